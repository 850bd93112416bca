package main

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so store functions can run
// inside or outside a transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		zendesk_ticket_id  INTEGER NOT NULL UNIQUE,
		subject            TEXT DEFAULT '',
		description        TEXT DEFAULT '',
		internal_notes     TEXT DEFAULT '',
		public_comments    TEXT DEFAULT '',
		requester_email    TEXT DEFAULT '',
		requester_org_name TEXT DEFAULT '',
		zendesk_org_id     INTEGER DEFAULT 0,
		tags               TEXT DEFAULT '[]',
		status             TEXT DEFAULT '',
		priority           TEXT DEFAULT '',
		ticket_created_at  DATETIME NOT NULL,
		ticket_updated_at  DATETIME NOT NULL,
		synced_at          DATETIME NOT NULL,
		analyzed_at        DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_updated ON tickets(ticket_updated_at);
	CREATE INDEX IF NOT EXISTS idx_tickets_analyzed ON tickets(analyzed_at);

	CREATE TABLE IF NOT EXISTS extracted_issues (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id            INTEGER NOT NULL,
		cluster_id           INTEGER,
		category             TEXT NOT NULL,
		subcategory          TEXT NOT NULL,
		issue_type           TEXT NOT NULL,
		severity             TEXT NOT NULL,
		summary              TEXT NOT NULL,
		detail               TEXT DEFAULT '',
		representative_quote TEXT DEFAULT '',
		confidence           REAL DEFAULT 0,
		extracted_at         DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_issues_cluster ON extracted_issues(cluster_id);
	CREATE INDEX IF NOT EXISTS idx_issues_taxonomy ON extracted_issues(category, subcategory);
	CREATE INDEX IF NOT EXISTS idx_issues_extracted_at ON extracted_issues(extracted_at);

	CREATE TABLE IF NOT EXISTS issue_clusters (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		category         TEXT NOT NULL,
		subcategory      TEXT NOT NULL,
		cluster_name     TEXT NOT NULL,
		cluster_summary  TEXT DEFAULT '',
		issue_count      INTEGER DEFAULT 0,
		unique_customers INTEGER DEFAULT 0,
		first_seen       DATETIME NOT NULL,
		last_seen        DATETIME NOT NULL,
		count_7d         INTEGER DEFAULT 0,
		count_prior_7d   INTEGER DEFAULT 0,
		trend_pct        REAL DEFAULT 0,
		is_active        INTEGER DEFAULT 1,
		pm_status        TEXT DEFAULT 'new',
		pm_notes         TEXT DEFAULT '',
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_clusters_taxonomy ON issue_clusters(category, subcategory, is_active);

	CREATE TABLE IF NOT EXISTS sync_state (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		last_ticket_updated_at DATETIME NOT NULL,
		tickets_synced         INTEGER DEFAULT 0,
		issues_extracted       INTEGER DEFAULT 0,
		sync_completed_at      DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return db, nil
}

// UpsertTicket inserts a ticket snapshot or, when the zendesk_ticket_id
// already exists, overwrites its mutable fields. Row identity,
// ticket_created_at, and analyzed_at are preserved on update.
func UpsertTicket(q dbtx, t Ticket) error {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return err
	}

	_, err = q.Exec(
		`INSERT INTO tickets (zendesk_ticket_id, subject, description, internal_notes, public_comments,
			requester_email, requester_org_name, zendesk_org_id, tags, status, priority,
			ticket_created_at, ticket_updated_at, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(zendesk_ticket_id) DO UPDATE SET
			subject            = excluded.subject,
			description        = excluded.description,
			internal_notes     = excluded.internal_notes,
			public_comments    = excluded.public_comments,
			requester_email    = excluded.requester_email,
			requester_org_name = excluded.requester_org_name,
			zendesk_org_id     = excluded.zendesk_org_id,
			tags               = excluded.tags,
			status             = excluded.status,
			priority           = excluded.priority,
			ticket_updated_at  = excluded.ticket_updated_at,
			synced_at          = excluded.synced_at`,
		t.ZendeskTicketID, t.Subject, t.Description, t.InternalNotes, t.PublicComments,
		t.RequesterEmail, t.RequesterOrgName, t.ZendeskOrgID, string(tags), t.Status, t.Priority,
		t.TicketCreatedAt.UTC(), t.TicketUpdatedAt.UTC(), t.SyncedAt.UTC(),
	)
	return err
}

func scanTicket(rows *sql.Rows) (Ticket, error) {
	var t Ticket
	var tags string
	var analyzedAt sql.NullTime
	err := rows.Scan(
		&t.ID, &t.ZendeskTicketID, &t.Subject, &t.Description, &t.InternalNotes,
		&t.PublicComments, &t.RequesterEmail, &t.RequesterOrgName, &t.ZendeskOrgID,
		&tags, &t.Status, &t.Priority, &t.TicketCreatedAt, &t.TicketUpdatedAt,
		&t.SyncedAt, &analyzedAt,
	)
	if err != nil {
		return Ticket{}, err
	}
	if analyzedAt.Valid {
		t.AnalyzedAt = analyzedAt.Time
	}
	_ = json.Unmarshal([]byte(tags), &t.Tags)
	return t, nil
}

const ticketColumns = `id, zendesk_ticket_id, subject, description, internal_notes, public_comments,
	requester_email, requester_org_name, zendesk_org_id, tags, status, priority,
	ticket_created_at, ticket_updated_at, synced_at, analyzed_at`

// GetTicketByZendeskID returns the stored snapshot for an external ticket id,
// or nil if it has never been synced.
func GetTicketByZendeskID(q dbtx, zendeskID int64) (*Ticket, error) {
	rows, err := q.Query(`SELECT `+ticketColumns+` FROM tickets WHERE zendesk_ticket_id = ?`, zendeskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanTicket(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetUnanalyzedTickets returns tickets the extraction pass has not seen,
// newest first.
func GetUnanalyzedTickets(q dbtx, limit int) ([]Ticket, error) {
	rows, err := q.Query(
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE analyzed_at IS NULL ORDER BY ticket_created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func MarkTicketAnalyzed(q dbtx, ticketID int64, at time.Time) error {
	_, err := q.Exec(`UPDATE tickets SET analyzed_at = ? WHERE id = ?`, at.UTC(), ticketID)
	return err
}

func InsertIssue(q dbtx, issue Issue) (int64, error) {
	res, err := q.Exec(
		`INSERT INTO extracted_issues (ticket_id, category, subcategory, issue_type, severity,
			summary, detail, representative_quote, confidence, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.TicketID, issue.Category, issue.Subcategory, issue.IssueType, issue.Severity,
		issue.Summary, issue.Detail, issue.RepresentativeQuote, issue.Confidence, issue.ExtractedAt.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetLatestCheckpoint returns the newest sync checkpoint, or nil if no sync
// has completed yet.
func GetLatestCheckpoint(q dbtx) (*SyncCheckpoint, error) {
	row := q.QueryRow(
		`SELECT id, last_ticket_updated_at, tickets_synced, issues_extracted, sync_completed_at
		 FROM sync_state ORDER BY sync_completed_at DESC, id DESC LIMIT 1`)

	var cp SyncCheckpoint
	err := row.Scan(&cp.ID, &cp.LastTicketUpdatedAt, &cp.TicketsSynced, &cp.IssuesExtracted, &cp.SyncCompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// InsertCheckpoint appends a new checkpoint row; checkpoints are never
// updated in place.
func InsertCheckpoint(q dbtx, cp SyncCheckpoint) error {
	_, err := q.Exec(
		`INSERT INTO sync_state (last_ticket_updated_at, tickets_synced, issues_extracted, sync_completed_at)
		 VALUES (?, ?, ?, ?)`,
		cp.LastTicketUpdatedAt.UTC(), cp.TicketsSynced, cp.IssuesExtracted, cp.SyncCompletedAt.UTC(),
	)
	return err
}
