package main

import (
	"database/sql"
	"fmt"
	"time"
)

const issueColumns = `id, ticket_id, COALESCE(cluster_id, 0), category, subcategory, issue_type,
	severity, summary, detail, representative_quote, confidence, extracted_at`

func scanIssues(rows *sql.Rows) ([]Issue, error) {
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var issue Issue
		err := rows.Scan(
			&issue.ID, &issue.TicketID, &issue.ClusterID, &issue.Category, &issue.Subcategory,
			&issue.IssueType, &issue.Severity, &issue.Summary, &issue.Detail,
			&issue.RepresentativeQuote, &issue.Confidence, &issue.ExtractedAt,
		)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// GetUnclusteredIssues returns every issue not yet assigned to a cluster.
func GetUnclusteredIssues(q dbtx) ([]Issue, error) {
	rows, err := q.Query(`SELECT ` + issueColumns + ` FROM extracted_issues WHERE cluster_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanIssues(rows)
}

// GetClusterIssues returns the most recent issues assigned to a cluster.
func GetClusterIssues(q dbtx, clusterID int64, limit int) ([]Issue, error) {
	rows, err := q.Query(
		`SELECT `+issueColumns+` FROM extracted_issues
		 WHERE cluster_id = ? ORDER BY extracted_at DESC LIMIT ?`, clusterID, limit)
	if err != nil {
		return nil, err
	}
	return scanIssues(rows)
}

const clusterColumns = `id, category, subcategory, cluster_name, cluster_summary, issue_count,
	unique_customers, first_seen, last_seen, count_7d, count_prior_7d, trend_pct,
	is_active, pm_status, pm_notes, created_at, updated_at`

func scanClusters(rows *sql.Rows) ([]Cluster, error) {
	defer rows.Close()

	var clusters []Cluster
	for rows.Next() {
		var c Cluster
		err := rows.Scan(
			&c.ID, &c.Category, &c.Subcategory, &c.Name, &c.Summary, &c.IssueCount,
			&c.UniqueCustomers, &c.FirstSeen, &c.LastSeen, &c.Count7d, &c.CountPrior7d,
			&c.TrendPct, &c.IsActive, &c.PMStatus, &c.PMNotes, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// GetActiveClusters returns the active clusters for one (category,
// subcategory) partition; deactivated clusters are never candidates.
func GetActiveClusters(q dbtx, category, subcategory string) ([]Cluster, error) {
	rows, err := q.Query(
		`SELECT `+clusterColumns+` FROM issue_clusters
		 WHERE category = ? AND subcategory = ? AND is_active = 1 ORDER BY id`,
		category, subcategory)
	if err != nil {
		return nil, err
	}
	return scanClusters(rows)
}

func GetAllActiveClusters(q dbtx) ([]Cluster, error) {
	rows, err := q.Query(`SELECT ` + clusterColumns + ` FROM issue_clusters WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanClusters(rows)
}

func GetClusterByID(q dbtx, clusterID int64) (*Cluster, error) {
	rows, err := q.Query(`SELECT `+clusterColumns+` FROM issue_clusters WHERE id = ?`, clusterID)
	if err != nil {
		return nil, err
	}
	clusters, err := scanClusters(rows)
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return nil, nil
	}
	return &clusters[0], nil
}

// InsertCluster creates a cluster and fills in its assigned ID.
func InsertCluster(q dbtx, c *Cluster) error {
	res, err := q.Exec(
		`INSERT INTO issue_clusters (category, subcategory, cluster_name, cluster_summary, issue_count,
			first_seen, last_seen, is_active, pm_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'new', ?, ?)`,
		c.Category, c.Subcategory, c.Name, c.Summary, c.IssueCount,
		c.FirstSeen.UTC(), c.LastSeen.UTC(), c.IsActive, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func AssignIssueToCluster(q dbtx, issueID, clusterID int64) error {
	_, err := q.Exec(`UPDATE extracted_issues SET cluster_id = ? WHERE id = ?`, clusterID, issueID)
	return err
}

// RecordClusterMatch bumps the counters a successful match maintains.
func RecordClusterMatch(q dbtx, clusterID int64, issueCount int, lastSeen time.Time) error {
	_, err := q.Exec(
		`UPDATE issue_clusters SET issue_count = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		issueCount, lastSeen.UTC(), time.Now().UTC(), clusterID)
	return err
}

// GetPlaceholderClusters returns clusters still carrying an auto-generated
// name from cluster creation.
func GetPlaceholderClusters(q dbtx) ([]Cluster, error) {
	rows, err := q.Query(`SELECT ` + clusterColumns + ` FROM issue_clusters WHERE cluster_name LIKE 'New:%' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanClusters(rows)
}

func RenameCluster(q dbtx, clusterID int64, name, summary string) error {
	_, err := q.Exec(
		`UPDATE issue_clusters SET cluster_name = ?, cluster_summary = ?, updated_at = ? WHERE id = ?`,
		name, summary, time.Now().UTC(), clusterID)
	return err
}

// CountIssuesInWindow counts a cluster's issues with extracted_at in
// [from, to).
func CountIssuesInWindow(q dbtx, clusterID int64, from, to time.Time) (int, error) {
	var count int
	err := q.QueryRow(
		`SELECT COUNT(*) FROM extracted_issues
		 WHERE cluster_id = ? AND extracted_at >= ? AND extracted_at < ?`,
		clusterID, from.UTC(), to.UTC()).Scan(&count)
	return count, err
}

func UpdateClusterTrend(q dbtx, clusterID int64, count7d, countPrior7d int, trendPct float64, now time.Time) error {
	_, err := q.Exec(
		`UPDATE issue_clusters SET count_7d = ?, count_prior_7d = ?, trend_pct = ?, updated_at = ? WHERE id = ?`,
		count7d, countPrior7d, trendPct, now.UTC(), clusterID)
	return err
}

// CountUniqueCustomers counts distinct requester organizations across the
// tickets behind a cluster's issues. Tickets with no organization are stored
// with an empty name, which counts as one distinct value like any other.
func CountUniqueCustomers(q dbtx, clusterID int64) (int, error) {
	var count int
	err := q.QueryRow(
		`SELECT COUNT(DISTINCT t.requester_org_name)
		 FROM extracted_issues i JOIN tickets t ON i.ticket_id = t.id
		 WHERE i.cluster_id = ?`, clusterID).Scan(&count)
	return count, err
}

func UpdateClusterCustomers(q dbtx, clusterID int64, uniqueCustomers int) error {
	_, err := q.Exec(
		`UPDATE issue_clusters SET unique_customers = ?, updated_at = ? WHERE id = ?`,
		uniqueCustomers, time.Now().UTC(), clusterID)
	return err
}

// MergeClusterRows moves every issue from source to target, deactivates the
// source, and recounts the target's issues, all in one transaction. The
// recount is exact rather than a summed increment so merges cannot drift the
// counter.
func MergeClusterRows(db *sql.DB, sourceID, targetID int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE extracted_issues SET cluster_id = ? WHERE cluster_id = ?`, targetID, sourceID); err != nil {
		return fmt.Errorf("reassigning issues: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE issue_clusters SET is_active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sourceID); err != nil {
		return fmt.Errorf("deactivating source cluster: %w", err)
	}

	var count int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM extracted_issues WHERE cluster_id = ?`, targetID).Scan(&count); err != nil {
		return fmt.Errorf("recounting target cluster: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE issue_clusters SET issue_count = ?, updated_at = ? WHERE id = ?`,
		count, time.Now().UTC(), targetID); err != nil {
		return fmt.Errorf("updating target count: %w", err)
	}

	return tx.Commit()
}
