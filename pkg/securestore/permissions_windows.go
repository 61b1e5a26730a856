//go:build windows

package securestore

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// wellKnownSIDs holds the SIDs consulted by the ACL check.
type wellKnownSIDs struct {
	everyone, users, authenticatedUsers, system *windows.SID
}

var loadSIDs = sync.OnceValues(func() (*wellKnownSIDs, error) {
	var s wellKnownSIDs
	var err error
	if s.everyone, err = windows.CreateWellKnownSid(windows.WinWorldSid); err != nil {
		return nil, fmt.Errorf("create Everyone SID: %w", err)
	}
	if s.users, err = windows.CreateWellKnownSid(windows.WinBuiltinUsersSid); err != nil {
		return nil, fmt.Errorf("create Users SID: %w", err)
	}
	if s.authenticatedUsers, err = windows.CreateWellKnownSid(windows.WinAuthenticatedUserSid); err != nil {
		return nil, fmt.Errorf("create Authenticated Users SID: %w", err)
	}
	if s.system, err = windows.CreateWellKnownSid(windows.WinLocalSystemSid); err != nil {
		return nil, fmt.Errorf("create SYSTEM SID: %w", err)
	}
	return &s, nil
})

var (
	modadvapi32 = windows.NewLazySystemDLL("advapi32.dll")
	procGetAce  = modadvapi32.NewProc("GetAce")
)

// checkFilePermissions verifies that only the owner and SYSTEM appear in
// the file's DACL.
func checkFilePermissions(path string) error {
	sids, err := loadSIDs()
	if err != nil {
		return err
	}

	sd, err := windows.GetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.DACL_SECURITY_INFORMATION|windows.OWNER_SECURITY_INFORMATION,
	)
	if err != nil {
		return fmt.Errorf("get security info: %w", err)
	}

	dacl, _, err := sd.DACL()
	if err != nil {
		return fmt.Errorf("get DACL: %w", err)
	}
	if dacl == nil {
		// NULL DACL means full access to everyone
		return fmt.Errorf("%w: %s has no DACL", ErrInsecurePermissions, path)
	}

	owner, _, err := sd.Owner()
	if err != nil {
		return fmt.Errorf("get owner: %w", err)
	}

	for i := 0; i < int(dacl.AceCount); i++ {
		var ace *windows.ACCESS_ALLOWED_ACE
		if err := getAce(dacl, uint32(i), &ace); err != nil {
			return fmt.Errorf("get ACE %d: %w", i, err)
		}
		aceSid := (*windows.SID)(unsafe.Pointer(&ace.SidStart))

		switch {
		case aceSid.Equals(owner), aceSid.Equals(sids.system):
			continue
		case aceSid.Equals(sids.everyone):
			return fmt.Errorf("%w: %s accessible to Everyone", ErrInsecurePermissions, path)
		case aceSid.Equals(sids.users):
			return fmt.Errorf("%w: %s accessible to Users group", ErrInsecurePermissions, path)
		case aceSid.Equals(sids.authenticatedUsers):
			return fmt.Errorf("%w: %s accessible to Authenticated Users", ErrInsecurePermissions, path)
		default:
			return fmt.Errorf("%w: %s accessible to %s", ErrInsecurePermissions, path, aceSid.String())
		}
	}
	return nil
}

// setFilePermissions replaces the DACL with owner and SYSTEM entries only.
func setFilePermissions(path string) error {
	sids, err := loadSIDs()
	if err != nil {
		return err
	}

	sd, err := windows.GetNamedSecurityInfo(path, windows.SE_FILE_OBJECT, windows.OWNER_SECURITY_INFORMATION)
	if err != nil {
		return fmt.Errorf("get owner info: %w", err)
	}
	owner, _, err := sd.Owner()
	if err != nil {
		return fmt.Errorf("get owner SID: %w", err)
	}

	entry := func(sid *windows.SID, trustee windows.TRUSTEE_TYPE) windows.EXPLICIT_ACCESS {
		return windows.EXPLICIT_ACCESS{
			AccessPermissions: windows.GENERIC_READ | windows.GENERIC_WRITE | windows.DELETE,
			AccessMode:        windows.SET_ACCESS,
			Inheritance:       windows.NO_INHERITANCE,
			Trustee: windows.TRUSTEE{
				TrusteeForm:  windows.TRUSTEE_IS_SID,
				TrusteeType:  trustee,
				TrusteeValue: windows.TrusteeValueFromSID(sid),
			},
		}
	}
	acl, err := windows.ACLFromEntries([]windows.EXPLICIT_ACCESS{
		entry(owner, windows.TRUSTEE_IS_USER),
		entry(sids.system, windows.TRUSTEE_IS_WELL_KNOWN_GROUP),
	}, nil)
	if err != nil {
		return fmt.Errorf("create ACL: %w", err)
	}

	err = windows.SetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.DACL_SECURITY_INFORMATION|windows.PROTECTED_DACL_SECURITY_INFORMATION,
		nil, nil, acl, nil,
	)
	if err != nil {
		return fmt.Errorf("set security info: %w", err)
	}
	return nil
}

// getAce wraps the advapi32 GetAce function.
func getAce(acl *windows.ACL, index uint32, ace **windows.ACCESS_ALLOWED_ACE) error {
	ret, _, err := syscall.SyscallN(
		procGetAce.Addr(),
		uintptr(unsafe.Pointer(acl)),
		uintptr(index),
		uintptr(unsafe.Pointer(ace)),
	)
	if ret == 0 {
		return err
	}
	return nil
}
