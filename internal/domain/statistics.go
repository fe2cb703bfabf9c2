package domain

import "fmt"

// Category is the contextual flag that, together with the payee identity,
// selects which baseline applies to a reimbursement.
type Category string

// Default categories produced by the built-in categorization rules.
const (
	CategoryMeal           Category = "meal"            // meal claim paid to a company
	CategoryLodgingMeal    Category = "lodging_meal"    // meal claim paid to a hotel or inn
	CategoryIndividualMeal Category = "individual_meal" // meal claim paid to an individual (CPF)
	CategoryNonMeal        Category = "non_meal"        // any other subquota
)

// GroupKey identifies a baseline partition.
type GroupKey struct {
	Identity string   `json:"identity"`
	Category Category `json:"category"`
}

// String renders the key as identity/category.
func (k GroupKey) String() string {
	return fmt.Sprintf("%s/%s", k.Identity, k.Category)
}

// FrequencyClass tells whether a group has enough history to trust its own baseline.
type FrequencyClass string

const (
	FrequencyCommon FrequencyClass = "common"
	FrequencyRare   FrequencyClass = "rare"
)

// GroupStatistics is the fitted baseline of one partition.
type GroupStatistics struct {
	Key        GroupKey       `json:"key"`
	Count      int            `json:"count"`
	Applicants int            `json:"applicants"`
	Mean       float64        `json:"mean"`
	Std        float64        `json:"std"`
	Class      FrequencyClass `json:"class"`
}

// Label is the conventional unsupervised detector output.
type Label int

const (
	Inlier  Label = 1
	Outlier Label = -1
)

// String returns "inlier" or "outlier".
func (l Label) String() string {
	if l == Outlier {
		return "outlier"
	}
	return "inlier"
}

// DecisionPath records which branch of the decision procedure labelled a record.
type DecisionPath string

const (
	PathCommon    DecisionPath = "common"
	PathRare      DecisionPath = "rare"
	PathUnseen    DecisionPath = "unseen"
	PathExempt    DecisionPath = "exempt"
	PathMalformed DecisionPath = "malformed"
)

// Assessment is the label of one reimbursement plus the baseline used to decide it.
type Assessment struct {
	ReimbursementID string       `json:"reimbursementId,omitempty"`
	Key             GroupKey     `json:"key"`
	Label           Label        `json:"label"`
	Path            DecisionPath `json:"path"`
	Value           float64      `json:"value"`
	Threshold       float64      `json:"threshold"`
}
