package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "edunexus/internal/errors"
	"edunexus/internal/models"
)

// InsertUserIfAbsent inserts a user keyed by email, doing nothing when the
// email is already registered. Returns true when a row was inserted.
func (d *Database) InsertUserIfAbsent(ctx context.Context, signup *models.QueuedSignup) (bool, error) {
	var extra []byte
	if len(signup.Extra) > 0 {
		var err error
		extra, err = json.Marshal(signup.Extra)
		if err != nil {
			return false, fmt.Errorf("failed to encode extra fields: %w", err)
		}
	}

	query := `
		INSERT INTO users (email, name, password_hash, role, extra, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO NOTHING
	`

	var inserted bool
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, query,
			signup.Email,
			signup.Name,
			signup.PasswordHash,
			signup.Role,
			nullableString(string(extra)),
			time.Now().UTC(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	}, "insert user")

	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetUserByEmail returns the user with the given email, or nil if absent.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT id, email, name, password_hash, role, created_at
		FROM users
		WHERE email = ?
	`

	user := &models.User{}
	err := d.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.Role, &user.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// InsertOrgCodeRequest persists a new pending request row. A token that
// is already present surfaces as an AppError with code DUPLICATE.
func (d *Database) InsertOrgCodeRequest(ctx context.Context, req *models.OrgCodeRequest) error {
	query := `
		INSERT INTO org_code_requests (id, token, management_email, org_type, institute_id, status, org_code, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	err := retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query,
			req.ID,
			req.Token,
			req.ManagementEmail,
			req.OrgType,
			nullableString(req.InstituteID),
			string(req.Status),
			nullableString(req.OrgCode),
			nullableString(req.Reason),
			createdAt,
			now,
		)
		return err
	}, "insert org code request")
	if err != nil && IsUniqueConstraintError(err) {
		return apperrors.Wrap(err, apperrors.ErrCodeDuplicate, "request token already exists")
	}
	return err
}

// GetOrgCodeRequestByToken returns the request addressed by token, or nil
// if no row exists.
func (d *Database) GetOrgCodeRequestByToken(ctx context.Context, token string) (*models.OrgCodeRequest, error) {
	query := `
		SELECT id, token, management_email, org_type, institute_id, status, org_code, reason, created_at
		FROM org_code_requests
		WHERE token = ?
	`

	req := &models.OrgCodeRequest{}
	var instituteID, orgCode, reason sql.NullString
	var status string

	err := d.db.QueryRowContext(ctx, query, token).Scan(
		&req.ID, &req.Token, &req.ManagementEmail, &req.OrgType,
		&instituteID, &status, &orgCode, &reason, &req.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get org code request: %w", err)
	}

	req.Status = models.RequestStatus(status)
	req.InstituteID = instituteID.String
	req.OrgCode = orgCode.String
	req.Reason = reason.String
	return req, nil
}

// UpdateOrgCodeRequest transitions the pending request addressed by token.
// Returns true when a row was updated; an unknown token or a request that
// already settled updates nothing, so two racing transitions cannot both
// win.
func (d *Database) UpdateOrgCodeRequest(ctx context.Context, token string, status models.RequestStatus, orgCode, reason string) (bool, error) {
	query := `
		UPDATE org_code_requests
		SET status = ?, org_code = ?, reason = ?, updated_at = ?
		WHERE token = ? AND status = ?
	`

	var updated bool
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, query,
			string(status),
			nullableString(orgCode),
			nullableString(reason),
			time.Now().UTC(),
			token,
			string(models.RequestStatusPending),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n > 0
		return nil
	}, "update org code request")

	if err != nil {
		return false, err
	}
	return updated, nil
}

// ConfirmOrgCodeRequest flips a pending request to confirmed and records
// the candidate code, both inside one transaction so a failure between the
// two writes cannot leave an orphaned code. The status flip is guarded on
// status = 'pending': when another confirm already won, the code stored on
// the row comes back with issued = false, and a rejected or unknown token
// comes back as ("", false, nil). A candidate value that collides with an
// existing code rolls everything back and surfaces as a DUPLICATE AppError
// so the caller can regenerate.
func (d *Database) ConfirmOrgCodeRequest(ctx context.Context, token string, code *models.OrgCode) (string, bool, error) {
	createdAt := code.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var storedCode string
	var issued, collision bool
	err := retryableDBOperation(ctx, func() error {
		storedCode, issued, collision = "", false, false

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE org_code_requests
			SET status = ?, org_code = ?, updated_at = ?
			WHERE token = ? AND status = ?`,
			string(models.RequestStatusConfirmed),
			code.Code,
			time.Now().UTC(),
			token,
			string(models.RequestStatusPending),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 0 {
			// Not pending anymore, or never existed. Report what the row
			// holds so an earlier confirm's code can be handed back.
			var status string
			var existing sql.NullString
			err := tx.QueryRowContext(ctx,
				`SELECT status, org_code FROM org_code_requests WHERE token = ?`, token,
			).Scan(&status, &existing)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return err
			}
			if models.RequestStatus(status) == models.RequestStatusConfirmed {
				storedCode = existing.String
			}
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			INSERT INTO org_codes (org_type, institute_id, code, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(code) DO NOTHING`,
			code.OrgType,
			nullableString(code.InstituteID),
			code.Code,
			createdAt,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			collision = true
			return nil
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		code.ID = id
		storedCode = code.Code
		issued = true
		return nil
	}, "confirm org code request")
	if err != nil {
		return "", false, err
	}
	if collision {
		return "", false, apperrors.New(apperrors.ErrCodeDuplicate, "org code value already taken")
	}
	return storedCode, issued, nil
}

// UpsertOrgCodeRequestByToken reconciles a disk-queued request into the
// table: insert when the token is unknown, otherwise overwrite status,
// code and reason. The caller decides whether the disk state should win.
func (d *Database) UpsertOrgCodeRequestByToken(ctx context.Context, req *models.OrgCodeRequest) error {
	query := `
		INSERT INTO org_code_requests (id, token, management_email, org_type, institute_id, status, org_code, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			status = excluded.status,
			org_code = excluded.org_code,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query,
			req.ID,
			req.Token,
			req.ManagementEmail,
			req.OrgType,
			nullableString(req.InstituteID),
			string(req.Status),
			nullableString(req.OrgCode),
			nullableString(req.Reason),
			createdAt,
			now,
		)
		return err
	}, "upsert org code request")
}

// InsertOrgCodeIfAbsent persists an issued code unless the code value is
// already taken. Returns false on a collision so the caller can regenerate.
func (d *Database) InsertOrgCodeIfAbsent(ctx context.Context, code *models.OrgCode) (bool, error) {
	query := `
		INSERT INTO org_codes (org_type, institute_id, code, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO NOTHING
	`

	createdAt := code.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var inserted bool
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, query,
			code.OrgType,
			nullableString(code.InstituteID),
			code.Code,
			createdAt,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = affected > 0
		if inserted {
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			code.ID = id
		}
		return nil
	}, "insert org code if absent")
	return inserted, err
}

// ListOrgCodes returns all issued codes, newest first.
func (d *Database) ListOrgCodes(ctx context.Context) ([]models.OrgCode, error) {
	query := `
		SELECT id, org_type, institute_id, code, created_at
		FROM org_codes
		ORDER BY id DESC
	`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list org codes: %w", err)
	}
	defer rows.Close()

	var codes []models.OrgCode
	for rows.Next() {
		var code models.OrgCode
		var instituteID sql.NullString
		if err := rows.Scan(&code.ID, &code.OrgType, &instituteID, &code.Code, &code.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan org code: %w", err)
		}
		code.InstituteID = instituteID.String
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
