// ABOUTME: Administrative journal entity and store methods for control-plane actions
// ABOUTME: Records who did what to which resource for compliance and debugging

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JournalAction represents a recordable administrative action.
type JournalAction string

const (
	JournalIssueToken        JournalAction = "issue_token"
	JournalRevokeToken       JournalAction = "revoke_token"
	JournalCreateSession     JournalAction = "create_session"
	JournalElevateSession    JournalAction = "elevate_session"
	JournalDropElevation     JournalAction = "drop_elevation"
	JournalInvalidateSession JournalAction = "invalidate_session"
	JournalInitAgentSession  JournalAction = "init_agent_session"
	JournalCloseAgentSession JournalAction = "close_agent_session"
	JournalUpdateConfig      JournalAction = "update_config"
)

// ValidJournalActions lists all valid journal actions.
var ValidJournalActions = []JournalAction{
	JournalIssueToken,
	JournalRevokeToken,
	JournalCreateSession,
	JournalElevateSession,
	JournalDropElevation,
	JournalInvalidateSession,
	JournalInitAgentSession,
	JournalCloseAgentSession,
	JournalUpdateConfig,
}

// JournalEntry represents a single administrative journal entry.
type JournalEntry struct {
	ID         string         // UUID v4
	Actor      string         // who performed the action
	Action     JournalAction  // what action was performed
	TargetType string         // "token", "session", "agent_session", "config"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// JournalFilter specifies filtering options for listing journal entries.
type JournalFilter struct {
	Since      *time.Time     // entries after this time
	Until      *time.Time     // entries before this time
	Actor      *string        // filter by actor
	Action     *JournalAction // filter by action type
	TargetType *string        // filter by target type
	TargetID   *string        // filter by target ID
	Limit      int            // max results (default 100, max 1000)
}

// AppendJournal appends a new entry to the administrative journal.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendJournal(ctx context.Context, e *JournalEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling journal detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO admin_journal (journal_id, actor, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		e.Action,
		e.TargetType,
		e.TargetID,
		e.Timestamp.UTC().Format(time.RFC3339),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}

	s.logger.Debug("appended journal entry",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// normalizeJournalLimit applies default (100) and cap (1000) to the limit.
func normalizeJournalLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// journalQueryArgs builds the query arguments from a JournalFilter.
type journalQueryArgs struct {
	sinceStr  *string
	untilStr  *string
	actionStr *string
}

// buildJournalQueryArgs converts filter time/action fields to query args.
func buildJournalQueryArgs(f JournalFilter) journalQueryArgs {
	var args journalQueryArgs
	if f.Since != nil {
		s := f.Since.UTC().Format(time.RFC3339)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := f.Until.UTC().Format(time.RFC3339)
		args.untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		args.actionStr = &a
	}
	return args
}

// scanJournalEntry scans a row into a JournalEntry.
func scanJournalEntry(scanner interface{ Scan(dest ...any) error }) (JournalEntry, error) {
	var e JournalEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.Actor,
		&actionStr,
		&e.TargetType,
		&e.TargetID,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning journal entry: %w", err)
	}

	e.Action = JournalAction(actionStr)
	var err error
	e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const journalQuery = `
	SELECT journal_id, actor, action, target_type, target_id, ts, detail_json
	FROM admin_journal
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListJournal returns journal entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListJournal(ctx context.Context, f JournalFilter) ([]JournalEntry, error) {
	limit := normalizeJournalLimit(f.Limit)
	args := buildJournalQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, journalQuery,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		f.Actor, f.Actor,
		args.actionStr, args.actionStr,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal entries: %w", err)
	}

	if entries == nil {
		entries = []JournalEntry{}
	}
	return entries, nil
}
