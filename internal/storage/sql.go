package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"nudge/internal/content"
	"nudge/internal/dispatch"
	"nudge/internal/message"
	"nudge/internal/trigger"
	"nudge/internal/userqueue"
	logx "nudge/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqlStore serves both sqlite and postgres. Queries are written with '?'
// placeholders and rebound for postgres.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	postgres bool
}

func newSQLStore(ctx context.Context, db *sql.DB, log logx.Logger, postgres bool) (*sqlStore, error) {
	s := &sqlStore{db: db, log: log, postgres: postgres}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// messages

const messageCols = `id, user_id, title, body, deliver_on, priority, source_kind, source_id, job_id, expire_on, created_at, delivered, sent_at, response`

func (s *sqlStore) CreateMessage(ctx context.Context, m *message.Message) error {
	var delivered any
	if m.Delivery.Success != nil {
		delivered = boolInt(*m.Delivery.Success)
	}
	_, err := s.exec(ctx, `INSERT INTO messages(`+messageCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.UserID, m.Title, m.Body, ms(m.DeliverOn), int(m.Priority), m.Source.Kind, m.Source.ID,
		m.JobID, ms(m.ExpireOn), ms(m.CreatedAt), delivered, ms(m.Delivery.SentAt), m.Delivery.Response)
	return err
}

type scanner interface{ Scan(dest ...any) error }

func scanMessage(row scanner) (*message.Message, error) {
	var (
		m                                      message.Message
		prio                                   int
		deliverOn, expireOn, createdAt, sentAt int64
		delivered                              sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.UserID, &m.Title, &m.Body, &deliverOn, &prio, &m.Source.Kind, &m.Source.ID,
		&m.JobID, &expireOn, &createdAt, &delivered, &sentAt, &m.Delivery.Response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Priority = message.Priority(prio)
	m.DeliverOn = fromMS(deliverOn)
	m.ExpireOn = fromMS(expireOn)
	m.CreatedAt = fromMS(createdAt)
	m.Delivery.SentAt = fromMS(sentAt)
	if delivered.Valid {
		ok := delivered.Int64 == 1
		m.Delivery.Success = &ok
	}
	return &m, nil
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, s.q(`SELECT `+messageCols+` FROM messages WHERE id = ?`), id))
}

func (s *sqlStore) DeleteMessage(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return n > 0, err
}

func (s *sqlStore) updateMessage(ctx context.Context, id, set string, args ...any) error {
	n, err := s.exec(ctx, `UPDATE messages SET `+set+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return err
	}
	if n == 0 {
		return message.ErrNotFound
	}
	return nil
}

func (s *sqlStore) SetJobID(ctx context.Context, id, jobID string) error {
	return s.updateMessage(ctx, id, `job_id = ?`, jobID)
}

func (s *sqlStore) Reschedule(ctx context.Context, id string, deliverOn time.Time) error {
	return s.updateMessage(ctx, id, `deliver_on = ?, job_id = ''`, ms(deliverOn))
}

func (s *sqlStore) RecordDelivery(ctx context.Context, id string, d message.Delivery) error {
	var delivered any
	if d.Success != nil {
		delivered = boolInt(*d.Success)
	}
	return s.updateMessage(ctx, id, `delivered = ?, sent_at = ?, response = ?`, delivered, ms(d.SentAt), d.Response)
}

func (s *sqlStore) FindPending(ctx context.Context, userID string, src message.Source, deliverOn time.Time) (*message.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, s.q(`SELECT `+messageCols+` FROM messages
		WHERE user_id = ? AND source_kind = ? AND source_id = ? AND deliver_on = ? AND delivered IS NULL
		LIMIT 1`), userID, src.Kind, src.ID, ms(deliverOn)))
}

func (s *sqlStore) PruneMessages(ctx context.Context, cutoff time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM messages WHERE delivered IS NOT NULL AND sent_at < ?`, ms(cutoff))
}

// jobs

func (s *sqlStore) PutJob(ctx context.Context, j dispatch.Job) error {
	_, err := s.exec(ctx, `INSERT INTO jobs(id, message_id, fire_at, created_at) VALUES(?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET message_id = excluded.message_id, fire_at = excluded.fire_at`,
		j.ID, j.MessageID, ms(j.FireAt), ms(j.CreatedAt))
	return err
}

func (s *sqlStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return n > 0, err
}

func (s *sqlStore) ListJobs(ctx context.Context) ([]dispatch.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, fire_at, created_at FROM jobs ORDER BY fire_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Job
	for rows.Next() {
		var j dispatch.Job
		var fireAt, createdAt int64
		if err := rows.Scan(&j.ID, &j.MessageID, &fireAt, &createdAt); err != nil {
			return nil, err
		}
		j.FireAt, j.CreatedAt = fromMS(fireAt), fromMS(createdAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteAllJobs(ctx context.Context) (int, error) {
	return s.exec(ctx, `DELETE FROM jobs`)
}

// queue days

const dayCols = `user_id, day, low, medium, high, total, updated_at, expires_at`

func scanDay(row scanner) (*userqueue.Day, error) {
	var (
		d                userqueue.Day
		tiers            [3]string
		updated, expires int64
	)
	if err := row.Scan(&d.Key.UserID, &d.Key.Date, &tiers[0], &tiers[1], &tiers[2], &d.Count, &updated, &expires); err != nil {
		return nil, err
	}
	for i, raw := range tiers {
		if err := json.Unmarshal([]byte(raw), &d.Tiers[i]); err != nil {
			return nil, fmt.Errorf("queue day %s tier %d: %w", d.Key, i, err)
		}
	}
	d.UpdatedAt, d.ExpiresAt = fromMS(updated), fromMS(expires)
	return &d, nil
}

func tierJSON(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// UpdateDay locks the key's row for the length of a transaction. On sqlite
// the single connection serializes transactions; on postgres the row lock
// does.
func (s *sqlStore) UpdateDay(ctx context.Context, key userqueue.Key, fn func(d *userqueue.Day) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.q(`INSERT INTO queue_days(user_id, day) VALUES(?,?) ON CONFLICT(user_id, day) DO NOTHING`), key.UserID, key.Date); err != nil {
		return err
	}
	sel := `SELECT ` + dayCols + ` FROM queue_days WHERE user_id = ? AND day = ?`
	if s.postgres {
		sel += ` FOR UPDATE`
	}
	d, err := scanDay(tx.QueryRowContext(ctx, s.q(sel), key.UserID, key.Date))
	if err != nil {
		return err
	}
	if err = fn(d); err != nil {
		return err
	}
	if d.Empty() {
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM queue_days WHERE user_id = ? AND day = ?`), key.UserID, key.Date)
	} else {
		_, err = tx.ExecContext(ctx, s.q(`UPDATE queue_days SET low = ?, medium = ?, high = ?, total = ?, updated_at = ?, expires_at = ?
			WHERE user_id = ? AND day = ?`),
			tierJSON(d.Tiers[message.Low]), tierJSON(d.Tiers[message.Medium]), tierJSON(d.Tiers[message.High]),
			d.Count, ms(d.UpdatedAt), ms(d.ExpiresAt), key.UserID, key.Date)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) GetDay(ctx context.Context, key userqueue.Key) (*userqueue.Day, error) {
	d, err := scanDay(s.db.QueryRowContext(ctx, s.q(`SELECT `+dayCols+` FROM queue_days WHERE user_id = ? AND day = ?`), key.UserID, key.Date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *sqlStore) ListDays(ctx context.Context, userID string) ([]userqueue.Day, error) {
	query := `SELECT ` + dayCols + ` FROM queue_days`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY user_id, day`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []userqueue.Day
	for rows.Next() {
		d, err := scanDay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteDay(ctx context.Context, key userqueue.Key) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM queue_days WHERE user_id = ? AND day = ?`, key.UserID, key.Date)
	return n > 0, err
}

func (s *sqlStore) DeleteAllDays(ctx context.Context) (int, error) {
	return s.exec(ctx, `DELETE FROM queue_days`)
}

func (s *sqlStore) PruneDays(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM queue_days WHERE expires_at > 0 AND expires_at < ?`, ms(now))
}

// content

func (s *sqlStore) PutUser(ctx context.Context, u content.User) error {
	_, err := s.exec(ctx, `INSERT INTO users(id, timezone, daily_limit) VALUES(?,?,?)
		ON CONFLICT(id) DO UPDATE SET timezone = excluded.timezone, daily_limit = excluded.daily_limit`,
		u.ID, u.Timezone, u.DailyLimit)
	return err
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (content.User, error) {
	var u content.User
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, timezone, daily_limit FROM users WHERE id = ?`), id).
		Scan(&u.ID, &u.Timezone, &u.DailyLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return content.User{}, content.ErrNotFound
	}
	return u, err
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]content.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, timezone, daily_limit FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []content.User
	for rows.Next() {
		var u content.User
		if err := rows.Scan(&u.ID, &u.Timezone, &u.DailyLimit); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) ResetDailyLimits(ctx context.Context, limit int) (int, error) {
	return s.exec(ctx, `UPDATE users SET daily_limit = ? WHERE daily_limit <> ?`, limit, limit)
}

func (s *sqlStore) PutTrigger(ctx context.Context, t *trigger.Trigger) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO triggers(id, user_id, data) VALUES(?,?,?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, data = excluded.data`,
		t.ID, t.UserID, string(b))
	return err
}

func (s *sqlStore) GetTrigger(ctx context.Context, id string) (*trigger.Trigger, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM triggers WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, content.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t trigger.Trigger
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("trigger %s: %w", id, err)
	}
	return &t, nil
}

func (s *sqlStore) PutReminder(ctx context.Context, r content.Reminder) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO reminders(id, user_id, trigger_id, enabled, completed, data) VALUES(?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, trigger_id = excluded.trigger_id,
		enabled = excluded.enabled, completed = excluded.completed, data = excluded.data`,
		r.ID, r.UserID, r.TriggerID, boolInt(r.Enabled), boolInt(r.Completed), string(b))
	return err
}

func (s *sqlStore) ListReminders(ctx context.Context, enabledOnly bool) ([]content.Reminder, error) {
	query := `SELECT data, completed FROM reminders`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []content.Reminder
	for rows.Next() {
		var raw string
		var completed int
		if err := rows.Scan(&raw, &completed); err != nil {
			return nil, err
		}
		var r content.Reminder
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, err
		}
		// completed is updated in place, data keeps the value at write time.
		r.Completed = completed == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetReminderCompleted(ctx context.Context, id string, done bool) error {
	n, err := s.exec(ctx, `UPDATE reminders SET completed = ? WHERE id = ?`, boolInt(done), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return content.ErrNotFound
	}
	return nil
}

func (s *sqlStore) ReminderCompleted(ctx context.Context, userID, triggerID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM reminders WHERE user_id = ? AND trigger_id = ? AND completed = 1`),
		userID, triggerID).Scan(&n)
	return n > 0, err
}

// audit

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO audit(id, at, actor, action, target, ok, err, took_ms, meta) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ID, ms(e.At), e.Actor, e.Action, e.Target, boolInt(e.OK), e.Error, e.TookMS, e.Meta)
	return err
}

func (s *sqlStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, at, actor, action, target, ok, err, took_ms, meta FROM audit ORDER BY at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at int64
		var ok int
		if err := rows.Scan(&e.ID, &at, &e.Actor, &e.Action, &e.Target, &ok, &e.Error, &e.TookMS, &e.Meta); err != nil {
			return nil, err
		}
		e.At, e.OK = fromMS(at), ok == 1
		out = append(out, e)
	}
	return out, rows.Err()
}
