package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/errlyhq/errly/pkg/models"
)

const groupColumns = `id, service, deployment_id, message, stack_trace, severity, status,
	endpoint, raw_log, source, metadata, fingerprint, first_seen_at, last_seen_at,
	occurrence_count, status_changed_at, created_at`

const (
	defaultListLimit = 50
	maxListLimit     = 200

	defaultRelatedWindowMin = 5
	maxRelatedWindowMin     = 60
	relatedLimit            = 20

	millisPerDay = int64(24 * time.Hour / time.Millisecond)
)

// GroupStore manages error group persistence
type GroupStore struct {
	db *sqlx.DB
}

// NewGroupStore creates a new GroupStore
func NewGroupStore(db *sqlx.DB) *GroupStore {
	return &GroupStore{db: db}
}

// Upsert records one occurrence of an error inside a single immediate
// transaction: select by fingerprint, insert or update, re-read the
// canonical row. Returns the stored group and whether it was newly created.
func (s *GroupStore) Upsert(ctx context.Context, ev *models.ErrorEvent, fingerprint string, now int64) (*models.ErrorGroup, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getByFingerprintTx(ctx, tx, fingerprint)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if existing == nil {
		group := newGroup(ev, fingerprint, now)
		if err := insertTx(ctx, tx, group); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit upsert: %w", err)
		}
		return group, true, nil
	}

	if err := applyRecurrenceTx(ctx, tx, existing, ev, now); err != nil {
		return nil, false, err
	}

	updated, err := getByFingerprintTx(ctx, tx, fingerprint)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("group %s vanished during upsert: %w", existing.ID, ErrInvariantViolation)
		}
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return updated, false, nil
}

// newGroup builds a fresh group for the first occurrence of a fingerprint.
func newGroup(ev *models.ErrorEvent, fingerprint string, now int64) *models.ErrorGroup {
	g := &models.ErrorGroup{
		ID:              uuid.New().String(),
		Service:         ev.Service,
		Message:         ev.Message,
		Severity:        ev.Severity,
		Status:          models.StatusNew,
		RawLog:          ev.RawLog,
		Source:          ev.Source,
		Metadata:        ev.Metadata,
		Fingerprint:     fingerprint,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		OccurrenceCount: 1,
		CreatedAt:       now,
	}
	if ev.DeploymentID != "" {
		g.DeploymentID = &ev.DeploymentID
	}
	if ev.StackTrace != "" {
		g.StackTrace = &ev.StackTrace
	}
	if ev.Endpoint != "" {
		g.Endpoint = &ev.Endpoint
	}
	return g
}

func insertTx(ctx context.Context, tx *sqlx.Tx, g *models.ErrorGroup) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO error_groups (id, service, deployment_id, message, stack_trace,
			severity, status, endpoint, raw_log, source, metadata, fingerprint,
			first_seen_at, last_seen_at, occurrence_count, status_changed_at, created_at)
		VALUES (:id, :service, :deployment_id, :message, :stack_trace,
			:severity, :status, :endpoint, :raw_log, :source, :metadata, :fingerprint,
			:first_seen_at, :last_seen_at, :occurrence_count, :status_changed_at, :created_at)`, g)
	if err != nil {
		return fmt.Errorf("failed to insert error group: %w", err)
	}
	return nil
}

// applyRecurrenceTx folds a repeat occurrence into an existing group.
// Severity only escalates; a resolved group reverts to new so regressions
// resurface on the dashboard.
func applyRecurrenceTx(ctx context.Context, tx *sqlx.Tx, existing *models.ErrorGroup, ev *models.ErrorEvent, now int64) error {
	severity := models.MaxSeverity(existing.Severity, ev.Severity)

	status := existing.Status
	statusChangedAt := existing.StatusChangedAt
	if existing.Status == models.StatusResolved {
		status = models.StatusNew
		statusChangedAt = &now
	}

	endpoint := existing.Endpoint
	if ev.Endpoint != "" {
		endpoint = &ev.Endpoint
	}
	metadata := existing.Metadata
	if ev.Metadata != nil {
		metadata = ev.Metadata
	}
	var deploymentID *string
	if ev.DeploymentID != "" {
		deploymentID = &ev.DeploymentID
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE error_groups
		SET deployment_id = ?, message = ?, raw_log = ?, severity = ?, status = ?,
			endpoint = ?, metadata = ?, last_seen_at = ?,
			occurrence_count = occurrence_count + 1, status_changed_at = ?
		WHERE id = ?`,
		deploymentID, ev.Message, ev.RawLog, severity, status,
		endpoint, metadata, now, statusChangedAt, existing.ID)
	if err != nil {
		return fmt.Errorf("failed to update error group %s: %w", existing.ID, err)
	}
	return nil
}

func getByFingerprintTx(ctx context.Context, tx *sqlx.Tx, fingerprint string) (*models.ErrorGroup, error) {
	var g models.ErrorGroup
	err := tx.GetContext(ctx, &g,
		`SELECT `+groupColumns+` FROM error_groups WHERE fingerprint = ?`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query error group by fingerprint: %w", err)
	}
	return &g, nil
}

// Insert stores a fully formed group directly, outside the upsert path.
func (s *GroupStore) Insert(ctx context.Context, g *models.ErrorGroup) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO error_groups (id, service, deployment_id, message, stack_trace,
			severity, status, endpoint, raw_log, source, metadata, fingerprint,
			first_seen_at, last_seen_at, occurrence_count, status_changed_at, created_at)
		VALUES (:id, :service, :deployment_id, :message, :stack_trace,
			:severity, :status, :endpoint, :raw_log, :source, :metadata, :fingerprint,
			:first_seen_at, :last_seen_at, :occurrence_count, :status_changed_at, :created_at)`, g)
	if err != nil {
		return fmt.Errorf("failed to insert error group: %w", err)
	}
	return nil
}

// GetByID fetches a single group
func (s *GroupStore) GetByID(ctx context.Context, id string) (*models.ErrorGroup, error) {
	var g models.ErrorGroup
	err := s.db.GetContext(ctx, &g,
		`SELECT `+groupColumns+` FROM error_groups WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query error group: %w", err)
	}
	return &g, nil
}

// GetByFingerprint fetches a single group by its dedup key
func (s *GroupStore) GetByFingerprint(ctx context.Context, fingerprint string) (*models.ErrorGroup, error) {
	var g models.ErrorGroup
	err := s.db.GetContext(ctx, &g,
		`SELECT `+groupColumns+` FROM error_groups WHERE fingerprint = ?`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query error group by fingerprint: %w", err)
	}
	return &g, nil
}

// List returns one page of groups sorted by last seen (newest first), plus
// the total count matching the filters.
func (s *GroupStore) List(ctx context.Context, f models.ListFilters) (*models.GroupList, error) {
	where, args := buildListWhere(f, models.NowMillis())

	var total int
	countQuery := `SELECT COUNT(*) FROM error_groups` + where
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to count error groups: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	groups := []*models.ErrorGroup{}
	query := `SELECT ` + groupColumns + ` FROM error_groups` + where +
		` ORDER BY last_seen_at DESC LIMIT ? OFFSET ?`
	err := s.db.SelectContext(ctx, &groups, query, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list error groups: %w", err)
	}

	return &models.GroupList{
		Groups:     groups,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

func buildListWhere(f models.ListFilters, now int64) (string, []any) {
	var conds []string
	var args []any

	if f.Service != "" {
		conds = append(conds, "service = ?")
		args = append(args, f.Service)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if d := f.TimeRange.Duration(); d > 0 {
		conds = append(conds, "last_seen_at >= ?")
		args = append(args, now-d.Milliseconds())
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		conds = append(conds, `(message LIKE ? ESCAPE '\' OR stack_trace LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike neutralizes LIKE wildcards in user-supplied search text so the
// query stays a plain substring match.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Related returns up to 20 groups from other services whose last occurrence
// falls within ±windowMinutes of the given group's. The window defaults to
// 5 minutes and is clamped to 1–60.
func (s *GroupStore) Related(ctx context.Context, id string, windowMinutes int) ([]*models.ErrorGroup, error) {
	g, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if windowMinutes <= 0 {
		windowMinutes = defaultRelatedWindowMin
	}
	if windowMinutes > maxRelatedWindowMin {
		windowMinutes = maxRelatedWindowMin
	}
	window := int64(windowMinutes) * time.Minute.Milliseconds()

	groups := []*models.ErrorGroup{}
	err = s.db.SelectContext(ctx, &groups, `
		SELECT `+groupColumns+` FROM error_groups
		WHERE id != ? AND service != ? AND last_seen_at BETWEEN ? AND ?
		ORDER BY last_seen_at DESC LIMIT ?`,
		g.ID, g.Service, g.LastSeenAt-window, g.LastSeenAt+window, relatedLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query related groups: %w", err)
	}
	return groups, nil
}

// UpdateStatus moves a group through the triage workflow. statusChangedAt is
// touched only when the status actually changes.
func (s *GroupStore) UpdateStatus(ctx context.Context, id string, status models.Status, now int64) (*models.ErrorGroup, error) {
	if !status.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var g models.ErrorGroup
	err = tx.GetContext(ctx, &g, `SELECT `+groupColumns+` FROM error_groups WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query error group: %w", err)
	}

	if g.Status == status {
		return &g, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE error_groups SET status = ?, status_changed_at = ? WHERE id = ?`,
		status, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}

	err = tx.GetContext(ctx, &g, `SELECT `+groupColumns+` FROM error_groups WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s vanished during status update: %w", id, ErrInvariantViolation)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to re-read error group: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return &g, nil
}

// DeleteByIDs removes the named groups and reports how many actually existed.
func (s *GroupStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM error_groups WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete error groups: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete count: %w", err)
	}
	return deleted, nil
}

// DeleteAll wipes every group. The confirm flag must be set; this is the
// backstop behind the dashboard's double-confirmation dialog.
func (s *GroupStore) DeleteAll(ctx context.Context, confirm bool) (int64, error) {
	if !confirm {
		return 0, fmt.Errorf("confirmation required to delete all error groups: %w", ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM error_groups`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete all error groups: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete count: %w", err)
	}
	return deleted, nil
}

// DeleteByRetention prunes groups whose last occurrence is older than the
// retention horizon and returns the ids it removed.
func (s *GroupStore) DeleteByRetention(ctx context.Context, days int, now int64) ([]string, error) {
	if days <= 0 {
		return nil, nil
	}
	cutoff := now - int64(days)*millisPerDay

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var ids []string
	err = tx.SelectContext(ctx, &ids,
		`SELECT id FROM error_groups WHERE last_seen_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired groups: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM error_groups WHERE last_seen_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired groups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit retention delete: %w", err)
	}
	return ids, nil
}

// Stats aggregates counts for the dashboard summary widgets.
func (s *GroupStore) Stats(ctx context.Context, now int64) (*models.Stats, error) {
	stats := &models.Stats{
		BySeverity: map[string]int{},
		ByStatus:   map[string]int{},
		ByService:  map[string]int{},
	}

	if err := s.db.GetContext(ctx, &stats.Total, `SELECT COUNT(*) FROM error_groups`); err != nil {
		return nil, fmt.Errorf("failed to count error groups: %w", err)
	}
	err := s.db.GetContext(ctx, &stats.Last24h,
		`SELECT COUNT(*) FROM error_groups WHERE last_seen_at >= ?`, now-millisPerDay)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent error groups: %w", err)
	}

	for column, dest := range map[string]map[string]int{
		"severity": stats.BySeverity,
		"status":   stats.ByStatus,
		"service":  stats.ByService,
	} {
		if err := s.countBy(ctx, column, dest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *GroupStore) countBy(ctx context.Context, column string, dest map[string]int) error {
	rows, err := s.db.QueryxContext(ctx,
		fmt.Sprintf(`SELECT %s, COUNT(*) FROM error_groups GROUP BY %s`, column, column))
	if err != nil {
		return fmt.Errorf("failed to aggregate by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s aggregate: %w", column, err)
		}
		dest[key] = count
	}
	return rows.Err()
}

// Services returns the distinct service names that have recorded errors.
func (s *GroupStore) Services(ctx context.Context) ([]string, error) {
	services := []string{}
	err := s.db.SelectContext(ctx, &services,
		`SELECT DISTINCT service FROM error_groups ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return services, nil
}
