package fuse

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewMountManager_Defaults(t *testing.T) {
	t.Parallel()

	m := NewMountManager(nil, nil)
	if m.config.Options.FSName != "nfscachefs" {
		t.Errorf("FSName = %q, want %q", m.config.Options.FSName, "nfscachefs")
	}
	if m.config.Options.Subtype != "nfs" {
		t.Errorf("Subtype = %q, want %q", m.config.Options.Subtype, "nfs")
	}
}

func TestMountManager_ValidateMountPoint(t *testing.T) {
	t.Parallel()

	t.Run("missing mount point path", func(t *testing.T) {
		m := NewMountManager(nil, &MountConfig{MountPoint: ""})
		if err := m.validateMountPoint(); err == nil {
			t.Error("expected an error for an empty mount point")
		}
	})

	t.Run("nonexistent directory", func(t *testing.T) {
		m := NewMountManager(nil, &MountConfig{MountPoint: filepath.Join(t.TempDir(), "missing")})
		if err := m.validateMountPoint(); err == nil {
			t.Error("expected an error for a nonexistent mount point")
		}
	})

	t.Run("not a directory", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "not-a-dir")
		if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		m := NewMountManager(nil, &MountConfig{MountPoint: file})
		if err := m.validateMountPoint(); err == nil {
			t.Error("expected an error when the mount point is a regular file")
		}
	})

	t.Run("valid empty directory", func(t *testing.T) {
		m := NewMountManager(nil, &MountConfig{MountPoint: t.TempDir()})
		if err := m.validateMountPoint(); err != nil {
			t.Errorf("validateMountPoint() error = %v, want nil", err)
		}
	})
}

func TestMountManager_BuildFUSEOptions(t *testing.T) {
	t.Parallel()

	m := NewMountManager(nil, &MountConfig{
		MountPoint: t.TempDir(),
		Options: &MountOptions{
			ReadOnly:     true,
			AllowOther:   true,
			DefaultPerms: true,
			FSName:       "nfscachefs",
			Subtype:      "nfs",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
	})

	opts := m.buildFUSEOptions()

	if !opts.MountOptions.AllowOther {
		t.Error("expected AllowOther to carry through to the FUSE mount options")
	}
	if opts.NullPermissions {
		t.Error("expected NullPermissions to be false when DefaultPerms is set")
	}

	foundRO := false
	foundFSName := false
	for _, o := range opts.Options {
		if o == "ro" {
			foundRO = true
		}
		if o == "fsname=nfscachefs" {
			foundFSName = true
		}
	}
	if !foundRO {
		t.Error("expected \"ro\" among the FUSE mount options when ReadOnly is set")
	}
	if !foundFSName {
		t.Error("expected an fsname= option matching the configured FSName")
	}
}

func TestMountManager_IsAlreadyMounted_FreshMountPoint(t *testing.T) {
	t.Parallel()

	m := NewMountManager(nil, &MountConfig{MountPoint: filepath.Join(t.TempDir(), "unlikely-to-be-mounted-anywhere")})
	if m.isAlreadyMounted() {
		t.Error("expected a freshly created temp path to never already be mounted")
	}
}
