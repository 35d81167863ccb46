package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"parcel/internal/server/auth"
	"parcel/internal/server/config"
	"parcel/internal/server/database"
	"parcel/internal/server/notify"

	"github.com/google/uuid"
)

const maxMessageLength = 1000

// InviteParams describe who is asked to upload a share.
type InviteParams struct {
	RecipientName  string
	RecipientEmail string
	Message        string
}

// InviteResult carries the guest token the recipient uploads with.
type InviteResult struct {
	Invite     *database.ReverseShareInvite `json:"-"`
	InviteID   int64                        `json:"invite_id"`
	GuestToken string                       `json:"guest_token"`
	ExpiresAt  time.Time                    `json:"expires_at"`
	UploadURL  string                       `json:"upload_url"`
}

// InviteService creates reverse-share invites.
type InviteService struct {
	db       database.Store
	issuer   *auth.Issuer
	notifier notify.Dispatcher
	settings config.Settings
	ttl      time.Duration
	now      func() time.Time
}

// NewInviteService creates an invite service whose invites and guest tokens
// live for ttl.
func NewInviteService(db database.Store, issuer *auth.Issuer, notifier notify.Dispatcher, settings config.Settings, ttl time.Duration) *InviteService {
	return &InviteService{
		db:       db,
		issuer:   issuer,
		notifier: notifier,
		settings: settings,
		ttl:      ttl,
		now:      time.Now,
	}
}

// CreateInvite mints a guest identity bound to a new invite and mails the
// recipient a link carrying the guest token.
func (s *InviteService) CreateInvite(ctx context.Context, id *auth.Identity, p InviteParams) (*InviteResult, error) {
	if id == nil || id.IsGuest {
		return nil, ErrUnauthorized
	}

	v := &ValidationError{}
	if _, err := mail.ParseAddress(p.RecipientEmail); err != nil {
		v.add("recipient_email", "must be a valid email address")
	}
	if len(p.RecipientName) > maxNameLength {
		v.add("recipient_name", fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	if len(p.Message) > maxMessageLength {
		v.add("message", fmt.Sprintf("must be at most %d characters", maxMessageLength))
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(p.RecipientName)
	if name == "" {
		name = "Guest"
	}
	expiresAt := s.now().Add(s.ttl).UTC()
	guest := &database.User{
		Name:    name,
		Email:   "guest-" + uuid.NewString() + "@guest.invalid",
		IsGuest: true,
	}
	invite := &database.ReverseShareInvite{
		UserID:         id.UserID,
		RecipientName:  name,
		RecipientEmail: p.RecipientEmail,
		Message:        p.Message,
		ExpiresAt:      &expiresAt,
	}

	err := s.db.InTx(ctx, func(tx database.Store) error {
		if err := tx.CreateUser(ctx, guest); err != nil {
			return err
		}
		invite.GuestUserID = &guest.ID
		return tx.CreateInvite(ctx, invite)
	})
	if err != nil {
		return nil, err
	}

	token, _, err := s.issuer.Issue(guest, s.ttl)
	if err != nil {
		return nil, err
	}

	res := &InviteResult{
		Invite:     invite,
		InviteID:   invite.ID,
		GuestToken: token,
		ExpiresAt:  expiresAt,
		UploadURL:  s.settings.BaseURL + "/upload?token=" + token,
	}

	s.notifier.Send(ctx, p.RecipientEmail, notify.KindReverseShareInvite, map[string]any{
		"from":       id.Email,
		"name":       name,
		"message":    p.Message,
		"url":        res.UploadURL,
		"expires_at": expiresAt,
	})

	slog.Info("reverse share invite created", "invite_id", invite.ID, "user_id", id.UserID)
	return res, nil
}
