package chat

import (
	"context"
	"database/sql"
	"errors"
)

// Repository is the Postgres-backed message and appointment store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const appointmentColumns = `
	SELECT a.id, a.status, a.starts_at,
	       p.id, pu.id, pu.name, COALESCE(pu.image, ''),
	       c.id, cu.id, cu.name, COALESCE(cu.image, '')
	FROM appointments a
	JOIN patients p    ON p.id = a.patient_id
	JOIN users pu      ON pu.id = p.user_id
	JOIN clinicians c  ON c.id = a.clinician_id
	JOIN users cu      ON cu.id = c.user_id
`

type scanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row scanner) (*Appointment, error) {
	a := &Appointment{}
	err := row.Scan(
		&a.ID, &a.Status, &a.StartsAt,
		&a.Patient.ProfileID, &a.Patient.UserID, &a.Patient.Name, &a.Patient.Image,
		&a.Clinician.ProfileID, &a.Clinician.UserID, &a.Clinician.Name, &a.Clinician.Image,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Repository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	query := appointmentColumns + `WHERE a.id = $1`
	a, err := scanAppointment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (r *Repository) ListAppointmentsForUser(ctx context.Context, userID int64, statuses []AppointmentStatus) ([]*Appointment, error) {
	query := appointmentColumns + `
		WHERE (pu.id = $1 OR cu.id = $1) AND a.status = ANY($2)
		ORDER BY a.starts_at DESC
	`
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx, query, userID, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	query := `
		INSERT INTO messages (id, patient_id, clinician_id, sender_id, content,
		                      attachment_url, attachment_key, attachment_type, attachment_name,
		                      read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	var url, key, typ, name sql.NullString
	if m.Attachment != nil {
		url = nullString(m.Attachment.URL)
		key = nullString(m.Attachment.Key)
		typ = nullString(m.Attachment.Type)
		name = nullString(m.Attachment.Name)
	}
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.Key.PatientID, m.Key.ClinicianID, m.SenderID, m.Content,
		url, key, typ, name,
		m.Read, m.CreatedAt,
	)
	return err
}

const messageColumns = `
	SELECT id, patient_id, clinician_id, sender_id, content,
	       attachment_url, attachment_key, attachment_type, attachment_name,
	       read, created_at
	FROM messages
`

func scanMessage(row scanner) (*Message, error) {
	m := &Message{}
	var url, key, typ, name sql.NullString
	err := row.Scan(
		&m.ID, &m.Key.PatientID, &m.Key.ClinicianID, &m.SenderID, &m.Content,
		&url, &key, &typ, &name,
		&m.Read, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if url.Valid || key.Valid {
		m.Attachment = &Attachment{URL: url.String, Key: key.String, Type: typ.String, Name: name.String}
	}
	return m, nil
}

func (r *Repository) ListMessages(ctx context.Context, key ConversationKey) ([]*Message, error) {
	query := messageColumns + `
		WHERE patient_id = $1 AND clinician_id = $2
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, key.PatientID, key.ClinicianID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *Repository) LatestMessage(ctx context.Context, key ConversationKey) (*Message, error) {
	query := messageColumns + `
		WHERE patient_id = $1 AND clinician_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, key.PatientID, key.ClinicianID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (r *Repository) MarkRead(ctx context.Context, key ConversationKey, viewerID int64) (int64, error) {
	query := `
		UPDATE messages SET read = TRUE
		WHERE patient_id = $1 AND clinician_id = $2 AND sender_id <> $3 AND read = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, key.PatientID, key.ClinicianID, viewerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) CountUnread(ctx context.Context, key ConversationKey, viewerID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE patient_id = $1 AND clinician_id = $2 AND sender_id <> $3 AND read = FALSE
	`
	var n int
	err := r.db.QueryRowContext(ctx, query, key.PatientID, key.ClinicianID, viewerID).Scan(&n)
	return n, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
