package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meridianws/identity/internal/auth"
	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
)

// DirectoryService owns the local user and group directory. Writes are
// merge-on-write: records are created or enriched, never destroyed, so a
// provider sending a sparse attribute set cannot erase previously learned
// data.
type DirectoryService struct {
	db    *gorm.DB
	now   func() time.Time
	locks *keyedMutex
}

// NewDirectoryService constructs the directory service.
func NewDirectoryService(db *gorm.DB, now func() time.Time) (*DirectoryService, error) {
	if db == nil {
		return nil, errors.New("directory service: database handle is required")
	}
	if now == nil {
		now = time.Now
	}
	return &DirectoryService{db: db, now: now, locks: &keyedMutex{}}, nil
}

// withTx returns a copy of the service bound to the given transaction handle.
// The merge locks are shared, so transactional callers still serialise with
// everyone else per identity.
func (s *DirectoryService) withTx(tx *gorm.DB) *DirectoryService {
	if tx == nil {
		return s
	}
	return &DirectoryService{db: tx, now: s.now, locks: s.locks}
}

// UpsertUserInput is one identity observation: the canonical attributes plus
// any provisioning outcome to fold in.
type UpsertUserInput struct {
	// Source identifies the provider that produced this observation.
	Source string
	Attrs  auth.CanonicalAttributes

	// Provisioning outcome, merged cumulatively with the mapped attributes.
	ExtraRoles      []string
	ExtraGroups     []string
	ExtraAttributes map[string]string
	Deactivate      bool

	// Touch marks a login observation and bumps the last-login timestamp.
	// Sync observations leave it untouched.
	Touch bool
}

// UpsertUser creates or merges a directory user. Identity resolution prefers
// the provider-scoped external id, falling back to the lowercased email, so
// repeated logins converge on one record instead of accumulating duplicates.
func (s *DirectoryService) UpsertUser(ctx context.Context, input UpsertUserInput) (*models.DirectoryUser, error) {
	externalID := strings.TrimSpace(input.Attrs.UserID)
	email := strings.ToLower(strings.TrimSpace(input.Attrs.Email))
	if externalID == "" && email == "" {
		return nil, apperrors.NewProtocol("identity carries neither an external id nor an email")
	}

	key := mergeKey(input.Source, externalID, email)
	unlock := s.locks.lock(key)
	defer unlock()

	var user models.DirectoryUser
	err := s.findUser(ctx, input.Source, externalID, email, &user)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.createUser(ctx, input, externalID, email)
	case err != nil:
		return nil, fmt.Errorf("directory service: lookup user: %w", err)
	}

	s.mergeUser(&user, input, externalID, email)

	if err := s.db.WithContext(ctx).Save(&user).Error; err != nil {
		return nil, fmt.Errorf("directory service: merge user: %w", err)
	}
	return &user, nil
}

// GetUser loads a user by id.
func (s *DirectoryService) GetUser(ctx context.Context, id string) (*models.DirectoryUser, error) {
	var user models.DirectoryUser
	err := s.db.WithContext(ctx).First(&user, "id = ?", strings.TrimSpace(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("user not found")
		}
		return nil, fmt.Errorf("directory service: get user: %w", err)
	}
	return &user, nil
}

// GetUserByEmail loads a user by email, case-insensitively.
func (s *DirectoryService) GetUserByEmail(ctx context.Context, email string) (*models.DirectoryUser, error) {
	var user models.DirectoryUser
	err := s.db.WithContext(ctx).First(&user, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("user not found")
		}
		return nil, fmt.Errorf("directory service: get user by email: %w", err)
	}
	return &user, nil
}

// ListUsers returns users, optionally filtered by source provider.
func (s *DirectoryService) ListUsers(ctx context.Context, source string) ([]models.DirectoryUser, error) {
	query := s.db.WithContext(ctx).Order("email asc")
	if strings.TrimSpace(source) != "" {
		query = query.Where("source = ?", strings.TrimSpace(source))
	}
	var out []models.DirectoryUser
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("directory service: list users: %w", err)
	}
	return out, nil
}

// UpsertGroupInput describes one observed group.
type UpsertGroupInput struct {
	Source      string
	Name        string
	Description string
	Members     []string
	Permissions []string
	ParentID    *string
}

// UpsertGroup creates or merges a group, keyed by source and name. Members
// and permissions union with what is already recorded.
func (s *DirectoryService) UpsertGroup(ctx context.Context, input UpsertGroupInput) (*models.DirectoryGroup, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewProtocol("group name is required")
	}

	unlock := s.locks.lock("group:" + input.Source + ":" + name)
	defer unlock()

	var group models.DirectoryGroup
	err := s.db.WithContext(ctx).
		First(&group, "source = ? AND name = ?", input.Source, name).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		group = models.DirectoryGroup{
			Name:        name,
			Description: input.Description,
			Source:      input.Source,
			Members:     datatypes.JSONSlice[string](dedupe(input.Members)),
			Permissions: datatypes.JSONSlice[string](dedupe(input.Permissions)),
			ParentID:    input.ParentID,
		}
		if err := s.db.WithContext(ctx).Create(&group).Error; err != nil {
			return nil, fmt.Errorf("directory service: create group: %w", err)
		}
		return &group, nil
	case err != nil:
		return nil, fmt.Errorf("directory service: lookup group: %w", err)
	}

	if input.Description != "" {
		group.Description = input.Description
	}
	if input.ParentID != nil {
		group.ParentID = input.ParentID
	}
	group.Members = datatypes.JSONSlice[string](unionStrings(group.Members, input.Members))
	group.Permissions = datatypes.JSONSlice[string](unionStrings(group.Permissions, input.Permissions))

	if err := s.db.WithContext(ctx).Save(&group).Error; err != nil {
		return nil, fmt.Errorf("directory service: merge group: %w", err)
	}
	return &group, nil
}

// ListGroups returns groups, optionally filtered by source provider.
func (s *DirectoryService) ListGroups(ctx context.Context, source string) ([]models.DirectoryGroup, error) {
	query := s.db.WithContext(ctx).Order("name asc")
	if strings.TrimSpace(source) != "" {
		query = query.Where("source = ?", strings.TrimSpace(source))
	}
	var out []models.DirectoryGroup
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("directory service: list groups: %w", err)
	}
	return out, nil
}

func (s *DirectoryService) findUser(ctx context.Context, source, externalID, email string, out *models.DirectoryUser) error {
	if externalID != "" {
		err := s.db.WithContext(ctx).
			First(out, "source = ? AND external_id = ?", source, externalID).Error
		if err == nil || !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	if email == "" {
		return gorm.ErrRecordNotFound
	}
	return s.db.WithContext(ctx).First(out, "email = ?", email).Error
}

func (s *DirectoryService) createUser(ctx context.Context, input UpsertUserInput, externalID, email string) (*models.DirectoryUser, error) {
	now := s.now().UTC()
	user := models.DirectoryUser{
		ExternalID:  externalID,
		Email:       email,
		FirstName:   input.Attrs.FirstName,
		LastName:    input.Attrs.LastName,
		DisplayName: input.Attrs.DisplayName,
		Department:  input.Attrs.Department,
		Title:       input.Attrs.Title,
		Manager:     input.Attrs.Manager,
		PhoneNumber: input.Attrs.PhoneNumber,
		Location:    input.Attrs.Location,
		Groups:      datatypes.JSONSlice[string](unionStrings(input.Attrs.Groups, input.ExtraGroups)),
		Roles:       datatypes.JSONSlice[string](unionStrings(input.Attrs.Roles, input.ExtraRoles)),
		IsActive:    !input.Deactivate,
		Source:      input.Source,
	}
	if len(input.ExtraAttributes) > 0 {
		user.Attributes = datatypes.NewJSONType(input.ExtraAttributes)
	}
	if input.Touch {
		user.LastLoginAt = &now
	}

	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("directory service: create user: %w", err)
	}
	return &user, nil
}

// mergeUser folds one observation into an existing record. Non-empty incoming
// scalars overwrite, empty ones keep the stored value; set-valued fields
// union. Deactivation is one way: a later sparse observation does not
// silently reactivate an account.
func (s *DirectoryService) mergeUser(user *models.DirectoryUser, input UpsertUserInput, externalID, email string) {
	if externalID != "" {
		user.ExternalID = externalID
	}
	if email != "" {
		user.Email = email
	}
	if input.Attrs.FirstName != "" {
		user.FirstName = input.Attrs.FirstName
	}
	if input.Attrs.LastName != "" {
		user.LastName = input.Attrs.LastName
	}
	if input.Attrs.DisplayName != "" {
		user.DisplayName = input.Attrs.DisplayName
	}
	if input.Attrs.Department != "" {
		user.Department = input.Attrs.Department
	}
	if input.Attrs.Title != "" {
		user.Title = input.Attrs.Title
	}
	if input.Attrs.Manager != "" {
		user.Manager = input.Attrs.Manager
	}
	if input.Attrs.PhoneNumber != "" {
		user.PhoneNumber = input.Attrs.PhoneNumber
	}
	if input.Attrs.Location != "" {
		user.Location = input.Attrs.Location
	}
	if input.Source != "" {
		user.Source = input.Source
	}

	user.Groups = datatypes.JSONSlice[string](unionStrings(user.Groups, input.Attrs.Groups, input.ExtraGroups))
	user.Roles = datatypes.JSONSlice[string](unionStrings(user.Roles, input.Attrs.Roles, input.ExtraRoles))

	if len(input.ExtraAttributes) > 0 {
		merged := user.Attributes.Data()
		if merged == nil {
			merged = make(map[string]string, len(input.ExtraAttributes))
		}
		for k, v := range input.ExtraAttributes {
			merged[k] = v
		}
		user.Attributes = datatypes.NewJSONType(merged)
	}

	if input.Deactivate {
		user.IsActive = false
	}
	if input.Touch {
		now := s.now().UTC()
		user.LastLoginAt = &now
	}
}

func mergeKey(source, externalID, email string) string {
	if externalID != "" {
		return "user:" + source + ":" + externalID
	}
	return "user:email:" + email
}

func unionStrings(base []string, more ...[]string) []string {
	seen := make(map[string]struct{}, len(base))
	out := make([]string, 0, len(base))
	add := func(values []string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	add(base)
	for _, extra := range more {
		add(extra)
	}
	return out
}

func dedupe(values []string) []string {
	return unionStrings(nil, values)
}

// keyedMutex serialises merges per identity so two concurrent observations of
// the same user cannot interleave their read-modify-write cycles.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
