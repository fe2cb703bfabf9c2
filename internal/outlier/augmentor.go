package outlier

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/ceap/internal/domain"
)

// Baseline is the (mean, std) pair a threshold is derived from.
type Baseline struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Threshold returns mean + k·std.
func (b Baseline) Threshold(k float64) float64 {
	return b.Mean + k*b.Std
}

// Augmentor supplies substitute baselines for groups with too little history.
type Augmentor interface {
	// Fit learns a cluster model over the rare groups.
	Fit(rare []domain.GroupStatistics) (*ClusterModel, error)

	// Resolve returns the substitute baseline of a rare group.
	Resolve(group domain.GroupStatistics, model *ClusterModel) (Baseline, error)
}

// ClusterModel holds one k-means fit per category.
type ClusterModel struct {
	Categories map[domain.Category]*CategoryClusters `json:"categories"`
}

// Empty reports whether no category was clustered.
func (m *ClusterModel) Empty() bool {
	return m == nil || len(m.Categories) == 0
}

// CategoryClusters is the k-means fit of the rare groups of one category.
type CategoryClusters struct {
	Scaler     Scaler     `json:"scaler"`
	Centroids  []Centroid `json:"centroids"`
	Iterations int        `json:"iterations"`
	Converged  bool       `json:"converged"`
}

// Centroid is a cluster center in standardized [count, mean] space together
// with the aggregate baseline of its members.
type Centroid struct {
	Features []float64 `json:"features"`
	Groups   int       `json:"groups"`
	Records  int       `json:"records"`
	Baseline Baseline  `json:"baseline"`
}

// KMeansAugmentor clusters rare groups of each category on [count, mean].
type KMeansAugmentor struct {
	k             int
	maxIterations int
}

// NewKMeansAugmentor creates an augmentor with k clusters per category.
func NewKMeansAugmentor(k, maxIterations int) *KMeansAugmentor {
	if k < 1 {
		k = 1
	}
	if maxIterations < 1 {
		maxIterations = 300
	}
	return &KMeansAugmentor{k: k, maxIterations: maxIterations}
}

func features(g domain.GroupStatistics) []float64 {
	return []float64{float64(g.Count), g.Mean}
}

// Fit clusters the rare groups of every category independently.
func (a *KMeansAugmentor) Fit(rare []domain.GroupStatistics) (*ClusterModel, error) {
	model := &ClusterModel{Categories: make(map[domain.Category]*CategoryClusters)}

	byCategory := make(map[domain.Category][]domain.GroupStatistics)
	for _, g := range rare {
		if g.Class != domain.FrequencyRare {
			return nil, fmt.Errorf("group %s is %s, not rare", g.Key, g.Class)
		}
		byCategory[g.Key.Category] = append(byCategory[g.Key.Category], g)
	}

	for cat, groups := range byCategory {
		// Fixed order keeps seeding, and so the fit, deterministic
		sort.Slice(groups, func(i, j int) bool {
			return groups[i].Key.Identity < groups[j].Key.Identity
		})
		model.Categories[cat] = a.fitCategory(groups)
	}

	return model, nil
}

func (a *KMeansAugmentor) fitCategory(groups []domain.GroupStatistics) *CategoryClusters {
	raw := make([][]float64, len(groups))
	for i, g := range groups {
		raw[i] = features(g)
	}

	scaler := fitScaler(raw)
	points := make([][]float64, len(raw))
	for i, r := range raw {
		points[i] = scaler.Transform(r)
	}

	res := kmeans(points, a.k, a.maxIterations)

	members := make([][]domain.GroupStatistics, len(res.centroids))
	for i, c := range res.assign {
		members[c] = append(members[c], groups[i])
	}

	cc := &CategoryClusters{
		Scaler:     scaler,
		Centroids:  make([]Centroid, 0, len(res.centroids)),
		Iterations: res.iterations,
		Converged:  res.converged,
	}
	for c, centroid := range res.centroids {
		if len(members[c]) == 0 {
			continue
		}
		records := 0
		for _, g := range members[c] {
			records += g.Count
		}
		cc.Centroids = append(cc.Centroids, Centroid{
			Features: centroid,
			Groups:   len(members[c]),
			Records:  records,
			Baseline: pooled(members[c]),
		})
	}

	return cc
}

// pooled combines member groups into the baseline of all their records:
// the count-weighted mean and the standard deviation including the spread
// between group means.
func pooled(groups []domain.GroupStatistics) Baseline {
	var n, sum float64
	for _, g := range groups {
		n += float64(g.Count)
		sum += float64(g.Count) * g.Mean
	}
	if n == 0 {
		return Baseline{}
	}
	mean := sum / n
	if n < 2 {
		return Baseline{Mean: mean}
	}

	var ss float64
	for _, g := range groups {
		cnt := float64(g.Count)
		dev := g.Mean - mean
		ss += (cnt-1)*g.Std*g.Std + cnt*dev*dev
	}

	return Baseline{Mean: mean, Std: math.Sqrt(ss / (n - 1))}
}

// Resolve maps group to the nearest centroid of its category.
func (a *KMeansAugmentor) Resolve(group domain.GroupStatistics, model *ClusterModel) (Baseline, error) {
	if model.Empty() {
		return Baseline{}, fmt.Errorf("group %s: cluster model is empty", group.Key)
	}

	cc, ok := model.Categories[group.Key.Category]
	if !ok || len(cc.Centroids) == 0 {
		return Baseline{}, fmt.Errorf("group %s: no clusters for category %s", group.Key, group.Key.Category)
	}

	p := cc.Scaler.Transform(features(group))
	best, bestDist := 0, math.Inf(1)
	for i, c := range cc.Centroids {
		if d := sqDist(p, c.Features); d < bestDist {
			best, bestDist = i, d
		}
	}

	return cc.Centroids[best].Baseline, nil
}
