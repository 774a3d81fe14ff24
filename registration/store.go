package registration

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/kvstore"
)

// Redis layout shared with earlier agent releases.
const (
	registrationsKey   = "registrations"
	adapterIDsKey      = "adapterIds"
	configurationKey   = "configuration"
	pendingRemovalsKey = "removals:pending"

	lastPrivacyUpdateField = "last_privacy_update"
)

// Record hash fields.
const (
	fieldOID         = "oid"
	fieldCredentials = "credentials"
	fieldPassword    = "password"
	fieldAdapterID   = "adapterId"
	fieldName        = "name"
	fieldCreated     = "created"
	fieldType        = "type"
	fieldLabels      = "labels"
	fieldAvatar      = "avatar"
	fieldGroups      = "groups"
	fieldDescription = "description"
	fieldVersion     = "version"
	fieldProperties  = "properties"
	fieldEvents      = "events"
	fieldActions     = "actions"
	fieldPrivacy     = "privacy"
	fieldStatus      = "status"
)

const storeComponent = "registration.Store"

// Token returns the basic-auth token of an object.
func Token(oid, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(oid+":"+password))
}

// Store is the local record of registered objects.
type Store struct {
	kv     kvstore.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates a store over kv.
func NewStore(kv kvstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, now: time.Now, logger: logger.With("component", storeComponent)}
}

func joinList(values []string) string { return strings.Join(values, ",") }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Add stores a newly registered object and its indices in one atomic write.
func (s *Store) Add(ctx context.Context, reg Registration) error {
	if reg.OID == "" || reg.Password == "" || reg.AdapterID == "" || reg.Name == "" || reg.Type == "" {
		return errs.WrapInvalid(
			fmt.Errorf("%w: object %q misses required fields", errs.ErrMissingParameters, reg.OID),
			storeComponent, "Add", "validate registration")
	}
	if reg.Credentials == "" {
		reg.Credentials = Token(reg.OID, reg.Password)
	}
	if reg.Created.IsZero() {
		reg.Created = s.now()
	}
	if reg.Status == "" {
		reg.Status = Disabled
	}

	taken, err := s.kv.SIsMember(ctx, registrationsKey, reg.OID)
	if err != nil {
		return err
	}
	if taken {
		return errs.WrapKind(fmt.Errorf("%w: %s", errs.ErrOIDTaken, reg.OID), errs.KindConflict,
			storeComponent, "Add", "check oid")
	}
	taken, err = s.kv.SIsMember(ctx, adapterIDsKey, reg.AdapterID)
	if err != nil {
		return err
	}
	if taken {
		return errs.WrapKind(fmt.Errorf("%w: %s", errs.ErrAdapterIDTaken, reg.AdapterID), errs.KindConflict,
			storeComponent, "Add", "check adapterId")
	}

	fields := map[string]string{
		fieldOID:         reg.OID,
		fieldCredentials: reg.Credentials,
		fieldPassword:    reg.Password,
		fieldAdapterID:   reg.AdapterID,
		fieldName:        reg.Name,
		fieldCreated:     reg.Created.UTC().Format(time.RFC3339),
		fieldType:        reg.Type,
		fieldPrivacy:     fmt.Sprint(int(reg.Privacy)),
		fieldStatus:      string(reg.Status),
	}
	optional := map[string]string{
		fieldProperties:  joinList(reg.Properties),
		fieldEvents:      joinList(reg.Events),
		fieldActions:     joinList(reg.Actions),
		fieldLabels:      joinList(reg.Labels),
		fieldGroups:      joinList(reg.Groups),
		fieldAvatar:      reg.Avatar,
		fieldDescription: reg.Description,
		fieldVersion:     reg.Version,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}

	err = s.kv.Atomic(ctx, func(b kvstore.Batch) {
		b.SAdd(registrationsKey, reg.OID)
		b.SAdd(adapterIDsKey, reg.AdapterID)
		b.HSet(reg.AdapterID, map[string]string{fieldOID: reg.OID})
		b.HSet(reg.OID, fields)
	})
	if err != nil {
		return errs.Wrap(err, storeComponent, "Add", "store registration "+reg.OID)
	}
	s.kv.Save(ctx)
	return nil
}

// Update replaces the name, capability lists and metadata of a stored object.
func (s *Store) Update(ctx context.Context, u Update) error {
	if u.OID == "" {
		return errs.WrapInvalid(errs.ErrMissingParameters, storeComponent, "Update", "validate update")
	}
	stored, ok, err := s.kv.HGet(ctx, u.OID, fieldAdapterID)
	if err != nil {
		return err
	}
	exists, err := s.kv.SIsMember(ctx, registrationsKey, u.OID)
	if err != nil {
		return err
	}
	if !exists || !ok {
		return errs.WrapKind(fmt.Errorf("%w: %s", errs.ErrObjectNotFound, u.OID), errs.KindNotFound,
			storeComponent, "Update", "load registration")
	}
	if u.AdapterID != "" && u.AdapterID != stored {
		return errs.WrapKind(fmt.Errorf("%w: %s", errs.ErrAdapterIDImmutable, u.OID), errs.KindConflict,
			storeComponent, "Update", "check adapterId")
	}

	set := map[string]string{}
	var clear []string
	if u.Name != "" {
		set[fieldName] = u.Name
	}
	replace := map[string]string{
		fieldProperties: joinList(u.Properties),
		fieldEvents:     joinList(u.Events),
		fieldActions:    joinList(u.Actions),
	}
	for k, v := range replace {
		if v == "" {
			clear = append(clear, k)
		} else {
			set[k] = v
		}
	}
	metadata := map[string]string{
		fieldLabels:      joinList(u.Labels),
		fieldGroups:      joinList(u.Groups),
		fieldAvatar:      u.Avatar,
		fieldDescription: u.Description,
		fieldVersion:     u.Version,
	}
	for k, v := range metadata {
		if v != "" {
			set[k] = v
		}
	}

	err = s.kv.Atomic(ctx, func(b kvstore.Batch) {
		if len(clear) > 0 {
			b.HDel(u.OID, clear...)
		}
		if len(set) > 0 {
			b.HSet(u.OID, set)
		}
	})
	if err != nil {
		return errs.Wrap(err, storeComponent, "Update", "update registration "+u.OID)
	}
	s.kv.Save(ctx)
	return nil
}

// Remove deletes each object's record together with its adapterId index and
// set memberships. Each OID is removed in its own atomic write.
func (s *Store) Remove(ctx context.Context, oids ...string) error {
	var failed []error
	for _, oid := range oids {
		adapterID, _, err := s.kv.HGet(ctx, oid, fieldAdapterID)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		err = s.kv.Atomic(ctx, func(b kvstore.Batch) {
			b.SRem(registrationsKey, oid)
			b.SRem(pendingRemovalsKey, oid)
			if adapterID != "" {
				b.SRem(adapterIDsKey, adapterID)
				b.Del(adapterID)
			}
			b.Del(oid)
		})
		if err != nil {
			failed = append(failed, errs.Wrap(err, storeComponent, "Remove", "remove registration "+oid))
		}
	}
	s.kv.Save(ctx)
	return errs.Join(failed...)
}

func (s *Store) load(ctx context.Context, oid string) (map[string]string, error) {
	exists, err := s.kv.SIsMember(ctx, registrationsKey, oid)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.WrapKind(fmt.Errorf("%w: %s", errs.ErrObjectNotFound, oid), errs.KindNotFound,
			storeComponent, "load", "find registration")
	}
	return s.kv.HGetAll(ctx, oid)
}

// Get returns the public view of one object.
func (s *Store) Get(ctx context.Context, oid string) (View, error) {
	data, err := s.load(ctx, oid)
	if err != nil {
		return View{}, err
	}
	status := Status(data[fieldStatus])
	if status == "" {
		status = Disabled
	}
	return View{
		OID:         oid,
		AdapterID:   data[fieldAdapterID],
		Name:        data[fieldName],
		Type:        data[fieldType],
		Created:     data[fieldCreated],
		Description: data[fieldDescription],
		Version:     data[fieldVersion],
		Avatar:      data[fieldAvatar],
		Labels:      splitList(data[fieldLabels]),
		Groups:      splitList(data[fieldGroups]),
		Properties:  splitList(data[fieldProperties]),
		Events:      splitList(data[fieldEvents]),
		Actions:     splitList(data[fieldActions]),
		Privacy:     ParsePrivacy(data[fieldPrivacy]).String(),
		Status:      status,
	}, nil
}

// Credentials returns the stored basic-auth token of oid.
func (s *Store) Credentials(ctx context.Context, oid string) (string, error) {
	token, ok, err := s.kv.HGet(ctx, oid, fieldCredentials)
	if err != nil {
		return "", err
	}
	if !ok || token == "" {
		return "", errs.WrapKind(fmt.Errorf("%w: no credentials for %s", errs.ErrObjectNotFound, oid),
			errs.KindNotFound, storeComponent, "Credentials", "read credentials")
	}
	return token, nil
}

// List returns every registered OID in lexical order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	oids, err := s.kv.SMembers(ctx, registrationsKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(oids)
	return oids, nil
}

// Count returns the number of registered objects.
func (s *Store) Count(ctx context.Context) (int, error) {
	oids, err := s.kv.SMembers(ctx, registrationsKey)
	return len(oids), err
}

// Exists reports whether oid is registered locally.
func (s *Store) Exists(ctx context.Context, oid string) (bool, error) {
	return s.kv.SIsMember(ctx, registrationsKey, oid)
}

// AdapterIDExists reports whether an object already uses adapterID.
func (s *Store) AdapterIDExists(ctx context.Context, adapterID string) (bool, error) {
	return s.kv.SIsMember(ctx, adapterIDsKey, adapterID)
}

// OIDByAdapterID resolves an adapterId to its OID.
func (s *Store) OIDByAdapterID(ctx context.Context, adapterID string) (string, bool, error) {
	return s.kv.HGet(ctx, adapterID, fieldOID)
}

// Properties returns the property ids declared by oid.
func (s *Store) Properties(ctx context.Context, oid string) ([]string, error) {
	raw, _, err := s.kv.HGet(ctx, oid, fieldProperties)
	if err != nil {
		return nil, err
	}
	return splitList(raw), nil
}

// HasInteraction reports whether iid may be requested on oid. Services accept
// any interaction id; other objects only their declared properties.
func (s *Store) HasInteraction(ctx context.Context, oid, iid string) (bool, error) {
	data, err := s.load(ctx, oid)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if data[fieldType] == ServiceType {
		return true, nil
	}
	for _, p := range splitList(data[fieldProperties]) {
		if p == iid {
			return true, nil
		}
	}
	return false, nil
}

// SetVisibility records the privacy and, when given, the status of objects
// and stamps the time of the refresh.
func (s *Store) SetVisibility(ctx context.Context, items []Visibility) error {
	stamp := s.now().UTC().Format(time.RFC3339)
	err := s.kv.Atomic(ctx, func(b kvstore.Batch) {
		for _, it := range items {
			fields := map[string]string{fieldPrivacy: fmt.Sprint(int(it.Privacy))}
			if it.Status != "" {
				fields[fieldStatus] = string(it.Status)
			}
			b.HSet(it.OID, fields)
		}
		b.HSet(configurationKey, map[string]string{lastPrivacyUpdateField: stamp})
	})
	if err != nil {
		return errs.Wrap(err, storeComponent, "SetVisibility", "store visibility")
	}
	return nil
}

// Visibility returns the privacy and status of one registered object.
func (s *Store) Visibility(ctx context.Context, oid string) (Visibility, error) {
	data, err := s.load(ctx, oid)
	if err != nil {
		return Visibility{}, err
	}
	return toVisibility(oid, data), nil
}

// Visibilities returns the privacy and status of every registered object.
func (s *Store) Visibilities(ctx context.Context) ([]Visibility, error) {
	oids, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Visibility, 0, len(oids))
	for _, oid := range oids {
		data, err := s.kv.HGetAll(ctx, oid)
		if err != nil {
			return nil, err
		}
		out = append(out, toVisibility(oid, data))
	}
	return out, nil
}

func toVisibility(oid string, data map[string]string) Visibility {
	status := Status(data[fieldStatus])
	if status == "" {
		status = Disabled
	}
	return Visibility{OID: oid, Privacy: ParsePrivacy(data[fieldPrivacy]), Status: status}
}

// LastVisibilityUpdate returns when visibility was last refreshed.
func (s *Store) LastVisibilityUpdate(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.kv.HGet(ctx, configurationKey, lastPrivacyUpdateField)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// MarkRemovalPending records OIDs whose local removal must be retried.
func (s *Store) MarkRemovalPending(ctx context.Context, oids ...string) error {
	return s.kv.SAdd(ctx, pendingRemovalsKey, oids...)
}

// PendingRemovals returns the OIDs awaiting local removal, sorted.
func (s *Store) PendingRemovals(ctx context.Context) ([]string, error) {
	oids, err := s.kv.SMembers(ctx, pendingRemovalsKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(oids)
	return oids, nil
}
