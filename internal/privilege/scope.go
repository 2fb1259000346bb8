// Package privilege runs filesystem work under a job owner's effective
// identity and restores the caller's identity afterwards.
package privilege

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mattjoyce/autotmpdir/internal/fault"
)

//go:generate mockgen -destination=mocks/mock_credentials.go -package=mocks github.com/mattjoyce/autotmpdir/internal/privilege Credentials

// Credentials reads and switches the effective identity of the process.
type Credentials interface {
	Effective() (uid, gid int)
	Groups() ([]int, error)
	SetGroups(gids []int) error
	SetEGID(gid int) error
	SetEUID(uid int) error
}

// Ticket records what an acquisition changed so release can undo exactly
// that. Dropped fields are nil when the identity was already in effect.
type Ticket struct {
	SavedUID    int
	SavedGID    int
	SavedGroups []int
	DroppedUID  *int
	DroppedGID  *int
}

// Scope brackets work with an identity switch.
type Scope struct {
	creds Credentials
}

// NewScope returns a Scope over creds.
func NewScope(creds Credentials) *Scope {
	return &Scope{creds: creds}
}

// Acquire switches to uid/gid. The group identity is switched first: once the
// effective uid is unprivileged the process may no longer change its groups.
// On failure everything already switched is put back.
func (s *Scope) Acquire(uid, gid int) (*Ticket, error) {
	curUID, curGID := s.creds.Effective()
	t := &Ticket{SavedUID: curUID, SavedGID: curGID}
	if curUID == uid && curGID == gid {
		return t, nil
	}

	if curGID != gid {
		groups, err := s.creds.Groups()
		if err != nil {
			return nil, fault.New(fault.KindPrivilegeDropFailed, "read groups", "", err)
		}
		t.SavedGroups = groups
		if err := s.creds.SetGroups([]int{gid}); err != nil {
			return nil, fault.New(fault.KindPrivilegeDropFailed, "set groups", "", err)
		}
		if err := s.creds.SetEGID(gid); err != nil {
			rerr := s.creds.SetGroups(t.SavedGroups)
			return nil, fault.New(fault.KindPrivilegeDropFailed, fmt.Sprintf("set egid %d", gid), "", errors.Join(err, rerr))
		}
		t.DroppedGID = &gid
	}

	if curUID != uid {
		if err := s.creds.SetEUID(uid); err != nil {
			rerr := s.restoreGroup(t)
			return nil, fault.New(fault.KindPrivilegeDropFailed, fmt.Sprintf("set euid %d", uid), "", errors.Join(err, rerr))
		}
		t.DroppedUID = &uid
	}
	return t, nil
}

// Release undoes Acquire in reverse order: user first, then group.
func (s *Scope) Release(t *Ticket) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.DroppedUID != nil {
		if err := s.creds.SetEUID(t.SavedUID); err != nil {
			errs = append(errs, fmt.Errorf("restore euid %d: %w", t.SavedUID, err))
		} else {
			t.DroppedUID = nil
		}
	}
	if err := s.restoreGroup(t); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Scope) restoreGroup(t *Ticket) error {
	if t.DroppedGID == nil {
		return nil
	}
	var errs []error
	if err := s.creds.SetEGID(t.SavedGID); err != nil {
		errs = append(errs, fmt.Errorf("restore egid %d: %w", t.SavedGID, err))
	}
	if err := s.creds.SetGroups(slices.Clone(t.SavedGroups)); err != nil {
		errs = append(errs, fmt.Errorf("restore groups: %w", err))
	}
	if len(errs) == 0 {
		t.DroppedGID = nil
	}
	return errors.Join(errs...)
}

// WithIdentity runs body as uid/gid. body is never called unless the switch
// fully succeeded, and the original identity is restored on every return
// path, including a panic in body.
func (s *Scope) WithIdentity(uid, gid int, body func() error) (err error) {
	t, err := s.Acquire(uid, gid)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := s.Release(t); rerr != nil {
			err = errors.Join(err, fault.New(fault.KindPrivilegeDropFailed, "restore identity", "", rerr))
		}
	}()
	return body()
}
