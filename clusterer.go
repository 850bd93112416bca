package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

// ErrClusteringInProgress is returned when a clustering pass is invoked
// while a prior pass on the same instance has not finished.
var ErrClusteringInProgress = errors.New("clustering already in progress")

const (
	similarityThreshold = 0.3
	placeholderPrefix   = "New: "
	namingIssueLimit    = 20
	trendWindow         = 7 * 24 * time.Hour
)

// ClusteringService groups unclustered issues into clusters by lexical
// similarity, names new clusters, maintains rolling trend metrics, and
// performs administrative merges.
type ClusteringService struct {
	db       *sql.DB
	analyzer IssueAnalyzer

	running atomic.Bool
	now     func() time.Time
}

func NewClusteringService(db *sql.DB, analyzer IssueAnalyzer) *ClusteringService {
	return &ClusteringService{db: db, analyzer: analyzer, now: time.Now}
}

// ClusterIssues assigns every unclustered issue to a cluster, creating new
// clusters where nothing matches, then names clusters still carrying a
// placeholder. Candidates never cross a (category, subcategory) boundary.
func (c *ClusteringService) ClusterIssues() (ClusterResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		return ClusterResult{}, ErrClusteringInProgress
	}
	defer c.running.Store(false)

	var result ClusterResult

	unclustered, err := GetUnclusteredIssues(c.db)
	if err != nil {
		return result, fmt.Errorf("loading unclustered issues: %w", err)
	}
	if len(unclustered) == 0 {
		log.Printf("clustering no unclustered issues found")
		return result, nil
	}
	log.Printf("clustering found %d unclustered issues", len(unclustered))

	// Group by (category, subcategory); clustering never crosses this
	// boundary.
	type taxonomyKey struct{ category, subcategory string }
	grouped := make(map[taxonomyKey][]Issue)
	var order []taxonomyKey
	for _, issue := range unclustered {
		key := taxonomyKey{issue.Category, issue.Subcategory}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], issue)
	}

	for _, key := range order {
		issues := grouped[key]

		candidates, err := GetActiveClusters(c.db, key.category, key.subcategory)
		if err != nil {
			return result, fmt.Errorf("loading clusters for %s/%s: %w", key.category, key.subcategory, err)
		}

		tx, err := c.db.Begin()
		if err != nil {
			return result, err
		}

		for _, issue := range issues {
			matched := findMatchingCluster(issue, candidates)

			if matched != nil {
				matched.IssueCount++
				if issue.ExtractedAt.After(matched.LastSeen) {
					matched.LastSeen = issue.ExtractedAt
				}
				if err := AssignIssueToCluster(tx, issue.ID, matched.ID); err != nil {
					tx.Rollback()
					return result, err
				}
				if err := RecordClusterMatch(tx, matched.ID, matched.IssueCount, matched.LastSeen); err != nil {
					tx.Rollback()
					return result, err
				}
				result.IssuesClustered++
				continue
			}

			newCluster := Cluster{
				Category:    key.category,
				Subcategory: key.subcategory,
				Name:        placeholderName(issue.Summary),
				IssueCount:  1,
				FirstSeen:   issue.ExtractedAt,
				LastSeen:    issue.ExtractedAt,
				IsActive:    true,
				PMStatus:    "new",
				CreatedAt:   c.now().UTC(),
				UpdatedAt:   c.now().UTC(),
			}
			if err := InsertCluster(tx, &newCluster); err != nil {
				tx.Rollback()
				return result, err
			}
			if err := AssignIssueToCluster(tx, issue.ID, newCluster.ID); err != nil {
				tx.Rollback()
				return result, err
			}
			// The new cluster becomes a candidate for the rest of the pass.
			candidates = append(candidates, newCluster)
			result.IssuesClustered++
			result.NewClustersCreated++
		}

		if err := tx.Commit(); err != nil {
			return result, err
		}
	}

	c.nameUnnamedClusters()

	metricIssuesClustered.Add(float64(result.IssuesClustered))
	metricClustersCreated.Add(float64(result.NewClustersCreated))
	log.Printf("clustering complete clustered=%d new_clusters=%d", result.IssuesClustered, result.NewClustersCreated)
	return result, nil
}

// placeholderName derives a temporary cluster name from the first issue's
// summary, pending the naming pass.
func placeholderName(summary string) string {
	if len(summary) > 50 {
		summary = summary[:50]
	}
	return placeholderPrefix + summary
}

// findMatchingCluster scores each candidate by the overlap between the
// issue's summary words and the cluster's name words, and returns the
// candidate with the strictly highest score above the threshold. Ties keep
// the first-discovered candidate.
func findMatchingCluster(issue Issue, clusters []Cluster) *Cluster {
	issueWords := wordSet(issue.Summary)

	var bestMatch *Cluster
	bestScore := 0.0

	for i := range clusters {
		clusterWords := wordSet(clusters[i].Name)
		delete(clusterWords, strings.ToLower(strings.TrimSpace(placeholderPrefix)))
		if len(clusterWords) == 0 {
			continue
		}

		overlap := 0
		for word := range issueWords {
			if clusterWords[word] {
				overlap++
			}
		}
		score := float64(overlap) / float64(max(len(issueWords), 1))

		if score > similarityThreshold && score > bestScore {
			bestMatch = &clusters[i]
			bestScore = score
		}
	}

	return bestMatch
}

func wordSet(s string) map[string]bool {
	words := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(s)) {
		words[word] = true
	}
	return words
}

// nameUnnamedClusters sends each placeholder-named cluster with at least two
// member issues to the naming port. A failure keeps the placeholder name and
// never fails the pass.
func (c *ClusteringService) nameUnnamedClusters() {
	unnamed, err := GetPlaceholderClusters(c.db)
	if err != nil {
		log.Printf("clustering error loading unnamed clusters: %v", err)
		return
	}

	for _, cluster := range unnamed {
		issues, err := GetClusterIssues(c.db, cluster.ID, namingIssueLimit)
		if err != nil {
			log.Printf("clustering error loading issues for cluster %d: %v", cluster.ID, err)
			continue
		}
		if len(issues) < 2 {
			continue
		}

		naming, err := c.analyzer.NameCluster(issues)
		if err != nil {
			log.Printf("clustering error naming cluster %d: %v", cluster.ID, err)
			continue
		}
		if err := RenameCluster(c.db, cluster.ID, naming.Name, naming.Summary); err != nil {
			log.Printf("clustering error renaming cluster %d: %v", cluster.ID, err)
		}
	}
}

// UpdateClusterTrends recomputes the rolling 7-day counts and trend
// percentage for every active cluster. When the prior window is empty the
// trend is 100 for any current activity and 0 otherwise.
func (c *ClusteringService) UpdateClusterTrends() error {
	now := c.now().UTC()
	weekAgo := now.Add(-trendWindow)
	twoWeeksAgo := now.Add(-2 * trendWindow)

	clusters, err := GetAllActiveClusters(c.db)
	if err != nil {
		return fmt.Errorf("loading active clusters: %w", err)
	}

	for _, cluster := range clusters {
		count7d, err := CountIssuesInWindow(c.db, cluster.ID, weekAgo, now)
		if err != nil {
			return err
		}
		countPrior7d, err := CountIssuesInWindow(c.db, cluster.ID, twoWeeksAgo, weekAgo)
		if err != nil {
			return err
		}

		var trendPct float64
		switch {
		case countPrior7d > 0:
			trendPct = float64(count7d-countPrior7d) / float64(countPrior7d) * 100
		case count7d > 0:
			trendPct = 100
		}

		if err := UpdateClusterTrend(c.db, cluster.ID, count7d, countPrior7d, trendPct, now); err != nil {
			return err
		}
	}

	log.Printf("trends updated for %d clusters", len(clusters))
	return nil
}

// UpdateUniqueCustomerCounts recounts the distinct requester organizations
// behind every active cluster's issues.
func (c *ClusteringService) UpdateUniqueCustomerCounts() error {
	clusters, err := GetAllActiveClusters(c.db)
	if err != nil {
		return fmt.Errorf("loading active clusters: %w", err)
	}

	for _, cluster := range clusters {
		uniqueCustomers, err := CountUniqueCustomers(c.db, cluster.ID)
		if err != nil {
			return err
		}
		if err := UpdateClusterCustomers(c.db, cluster.ID, uniqueCustomers); err != nil {
			return err
		}
	}

	log.Printf("customer counts updated for %d clusters", len(clusters))
	return nil
}

// MergeClusters moves every issue from the source cluster into the target,
// deactivates the source (never deletes it, preserving history), and
// recounts the target. Naming and trend passes are not re-run here.
func (c *ClusteringService) MergeClusters(sourceID, targetID int64) error {
	if sourceID == targetID {
		return fmt.Errorf("cannot merge cluster %d into itself", sourceID)
	}
	if err := MergeClusterRows(c.db, sourceID, targetID); err != nil {
		return fmt.Errorf("merging cluster %d into %d: %w", sourceID, targetID, err)
	}
	log.Printf("merged cluster %d into %d", sourceID, targetID)
	return nil
}
