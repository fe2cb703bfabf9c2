// Package category assigns the contextual category of a reimbursement using
// CEL rules.
package category

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/opensource-finance/ceap/internal/domain"
)

// LodgingPattern matches normalized supplier names of hotels and inns.
const LodgingPattern = "hote(l|is)|pousada|hospedag|resort|motel|hostel|albergue"

// Categorizer is the CEL-based categorization engine. Its rules are fixed at
// construction; a new rule set means a new Categorizer and a new fit.
type Categorizer struct {
	env          *cel.Env
	rules        []*CompiledRule
	mealSubquota string
	fallback     domain.Category
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    domain.CategoryRule
	Program cel.Program
}

// DefaultRules returns the built-in categorization, evaluated in order:
// non-meal subquotas, meals at lodging suppliers, meals paid to individuals.
// Everything else is a plain meal.
func DefaultRules() []domain.CategoryRule {
	return []domain.CategoryRule{
		{Category: domain.CategoryNonMeal, Expression: `subquota != meal_subquota`},
		{Category: domain.CategoryLodgingMeal, Expression: `supplier.matches("` + LodgingPattern + `")`},
		{Category: domain.CategoryIndividualMeal, Expression: fmt.Sprintf(`size(cnpj_cpf) == %d`, domain.CPFLength)},
	}
}

// NewCategorizer compiles rules. An empty rule set selects DefaultRules.
func NewCategorizer(rules []domain.CategoryRule, mealSubquota string) (*Categorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("subquota", cel.StringType),
		cel.Variable("supplier", cel.StringType),
		cel.Variable("cnpj_cpf", cel.StringType),
		cel.Variable("applicant_id", cel.StringType),
		cel.Variable("meal_subquota", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	if len(rules) == 0 {
		rules = DefaultRules()
	}

	c := &Categorizer{
		env:          env,
		mealSubquota: Normalize(mealSubquota),
		fallback:     domain.CategoryMeal,
	}

	compiled := make([]*CompiledRule, 0, len(rules))
	for _, rule := range rules {
		cr, err := c.compileRule(rule)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}
	c.rules = compiled

	return c, nil
}

// ValidateRule compiles a rule without installing it.
func (c *Categorizer) ValidateRule(rule domain.CategoryRule) error {
	_, err := c.compileRule(rule)
	return err
}

// Rules returns the loaded rule configurations in evaluation order.
func (c *Categorizer) Rules() []domain.CategoryRule {
	rules := make([]domain.CategoryRule, len(c.rules))
	for i, r := range c.rules {
		rules[i] = r.Rule
	}
	return rules
}

// Categorize returns the category of the first rule that holds for r.
func (c *Categorizer) Categorize(r *domain.Reimbursement) (domain.Category, error) {
	activation := map[string]any{
		"subquota":      Normalize(r.SubquotaDescription),
		"supplier":      Normalize(r.Supplier),
		"cnpj_cpf":      r.Identity(),
		"applicant_id":  r.ApplicantID,
		"meal_subquota": c.mealSubquota,
	}

	for _, rule := range c.rules {
		out, _, err := rule.Program.Eval(activation)
		if err != nil {
			return "", fmt.Errorf("category rule %s: evaluation error: %w", rule.Rule.Category, err)
		}
		if matched, ok := out.(types.Bool); ok && bool(matched) {
			return rule.Rule.Category, nil
		}
	}

	return c.fallback, nil
}

// Key returns the group key of r.
func (c *Categorizer) Key(r *domain.Reimbursement) (domain.GroupKey, error) {
	cat, err := c.Categorize(r)
	if err != nil {
		return domain.GroupKey{}, err
	}
	return domain.GroupKey{Identity: r.Identity(), Category: cat}, nil
}

func (c *Categorizer) compileRule(rule domain.CategoryRule) (*CompiledRule, error) {
	if rule.Category == "" {
		return nil, fmt.Errorf("category rule: category is required")
	}

	ast, issues := c.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile category rule %s: %w", rule.Category, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("category rule %s: expression must return bool, got %s", rule.Category, ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for category rule %s: %w", rule.Category, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}

// Normalize lowercases s, strips accents and collapses whitespace, so
// "HOTÉIS  Glória" and "hoteis gloria" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
