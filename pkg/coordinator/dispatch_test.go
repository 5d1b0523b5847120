// Copyright 2024 The fpga-coordinator Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"context"
	"errors"
	"testing"
)

func loadAndCreate(t *testing.T, dev *Device, c *Client, uuid string) ContextHandle {
	t.Helper()

	img := fakeImage{uuid: uuid}
	slotID, err := dev.LoadBitstream(context.Background(), -1, img, c)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	h, err := dev.CreateContext(slotID, c, uuid)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	return h
}

func TestSubmit(t *testing.T) {
	uuid := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	t.Run("tracked submission completes", func(t *testing.T) {
		dev, _, sched := newTestDevice(t, 1)
		c := dev.NewClient("test")
		h := loadAndCreate(t, dev, c, uuid)

		sub, err := dev.Submit(h, []byte{1, 2, 3}, c)
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		cmds := sched.submitted()
		if len(cmds) != 1 || cmds[0].Submission != sub || cmds[0].SlotID != 0 || cmds[0].ContextID != h.ID {
			t.Fatalf("unexpected scheduler input: %+v", cmds)
		}

		dev.CommandCompleted(sub)

		// With no outstanding commands the context destroys cleanly.
		if err := dev.DestroyContext(h.ID, c); err != nil {
			t.Errorf("unexpected error: %+v", err)
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c := dev.NewClient("test")
		h := loadAndCreate(t, dev, c, uuid)

		if _, err := dev.Submit(h, nil, c); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %+v", err)
		}
	})

	t.Run("stale handle after destroy", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c := dev.NewClient("test")
		h := loadAndCreate(t, dev, c, uuid)

		if err := dev.DestroyContext(h.ID, c); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if _, err := dev.Submit(h, []byte{1}, c); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %+v", err)
		}
	})

	t.Run("handle generation mismatch", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c := dev.NewClient("test")
		h := loadAndCreate(t, dev, c, uuid)

		forged := ContextHandle{ID: h.ID, Generation: h.Generation + 1}
		if _, err := dev.Submit(forged, []byte{1}, c); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %+v", err)
		}
	})

	t.Run("scheduler rejection undoes accounting", func(t *testing.T) {
		dev, _, sched := newTestDevice(t, 1)
		c := dev.NewClient("test")
		h := loadAndCreate(t, dev, c, uuid)

		sched.failWith = errors.New("queue full")
		if _, err := dev.Submit(h, []byte{1}, c); !errors.Is(err, ErrDeviceError) {
			t.Fatalf("expected ErrDeviceError, got %+v", err)
		}

		// The failed submission must not leave the context busy.
		if err := dev.DestroyContext(h.ID, c); err != nil {
			t.Errorf("unexpected error: %+v", err)
		}
	})
}

func TestSubmitLegacyPath(t *testing.T) {
	uuid := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	t.Run("allowed before first context", func(t *testing.T) {
		dev, _, sched := newTestDevice(t, 1)
		c := dev.NewClient("test")

		sub, err := dev.Submit(ContextHandle{}, []byte{1}, c)
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if sub == 0 {
			t.Error("expected a submission handle")
		}

		cmds := sched.submitted()
		if len(cmds) != 1 || cmds[0].SlotID != -1 || cmds[0].ContextID != 0 {
			t.Errorf("unexpected scheduler input: %+v", cmds)
		}
	})

	t.Run("closed permanently after first context", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c := dev.NewClient("test")
		h := loadAndCreate(t, dev, c, uuid)

		if _, err := dev.Submit(ContextHandle{}, []byte{1}, c); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %+v", err)
		}

		// Destroying the context does not reopen the legacy path.
		if err := dev.DestroyContext(h.ID, c); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if _, err := dev.Submit(ContextHandle{}, []byte{1}, c); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %+v", err)
		}
	})
}

func TestOrphanedCommandAccounting(t *testing.T) {
	uuidA := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	uuidB := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	dev, _, _ := newTestDevice(t, 1)
	c := dev.NewClient("test")
	h := loadAndCreate(t, dev, c, uuidA)

	sub1, err := dev.Submit(h, []byte{1}, c)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	sub2, err := dev.Submit(h, []byte{2}, c)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	// Destroy with commands in flight: they become orphans on the slot.
	if err := dev.DestroyContext(h.ID, c); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	info, _ := dev.SlotInfo(0)
	if info.LiveContexts != 0 || info.OrphanedCommands != 2 {
		t.Fatalf("unexpected slot state: %+v", info)
	}

	// Orphans block reprogramming.
	if _, err := dev.LoadBitstream(context.Background(), 0, fakeImage{uuid: uuidB}, c); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("expected ErrResourceBusy, got %+v", err)
	}

	dev.CommandCompleted(sub1)
	info, _ = dev.SlotInfo(0)
	if info.OrphanedCommands != 1 {
		t.Fatalf("unexpected slot state: %+v", info)
	}

	dev.CommandCompleted(sub2)
	info, _ = dev.SlotInfo(0)
	if info.OrphanedCommands != 0 {
		t.Fatalf("unexpected slot state: %+v", info)
	}

	// Duplicate completions are ignored, not double counted.
	dev.CommandCompleted(sub2)
	info, _ = dev.SlotInfo(0)
	if info.OrphanedCommands != 0 {
		t.Fatalf("unexpected slot state: %+v", info)
	}

	if _, err := dev.LoadBitstream(context.Background(), 0, fakeImage{uuid: uuidB}, c); err != nil {
		t.Errorf("unexpected error: %+v", err)
	}
}

func TestDestroyContext(t *testing.T) {
	uuid := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	t.Run("unknown context", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c := dev.NewClient("test")

		if err := dev.DestroyContext(42, c); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %+v", err)
		}
	})

	t.Run("wrong owner", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c1 := dev.NewClient("one")
		c2 := dev.NewClient("two")
		h := loadAndCreate(t, dev, c1, uuid)

		if err := dev.DestroyContext(h.ID, c2); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied, got %+v", err)
		}
	})

	t.Run("open CU contexts block destroy", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c := dev.NewClient("test")
		h := loadAndCreate(t, dev, c, uuid)

		cuID, err := dev.OpenCuContext(h.ID, 0, c)
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}

		if err := dev.DestroyContext(h.ID, c); !errors.Is(err, ErrResourceBusy) {
			t.Fatalf("expected ErrResourceBusy, got %+v", err)
		}

		if err := dev.CloseCuContext(cuID, c); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if err := dev.DestroyContext(h.ID, c); err != nil {
			t.Errorf("unexpected error: %+v", err)
		}
	})
}

func TestCuContext(t *testing.T) {
	uuid := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	t.Run("unknown CU index", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c := dev.NewClient("test")
		h := loadAndCreate(t, dev, c, uuid)

		if _, err := dev.OpenCuContext(h.ID, 9, c); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %+v", err)
		}

		// The failed open must not have taken a reference.
		if err := dev.DestroyContext(h.ID, c); err != nil {
			t.Errorf("unexpected error: %+v", err)
		}
	})

	t.Run("unknown hardware context", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c := dev.NewClient("test")

		if _, err := dev.OpenCuContext(42, 0, c); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %+v", err)
		}
	})

	t.Run("foreign hardware context looks nonexistent", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c1 := dev.NewClient("one")
		c2 := dev.NewClient("two")
		h := loadAndCreate(t, dev, c1, uuid)

		if _, err := dev.OpenCuContext(h.ID, 0, c2); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %+v", err)
		}
	})

	t.Run("close is not idempotent", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c := dev.NewClient("test")
		h := loadAndCreate(t, dev, c, uuid)

		cuID, err := dev.OpenCuContext(h.ID, 0, c)
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if err := dev.CloseCuContext(cuID, c); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if err := dev.CloseCuContext(cuID, c); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %+v", err)
		}
	})

	t.Run("close rejects foreign owner", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, 1)
		c1 := dev.NewClient("one")
		c2 := dev.NewClient("two")
		h := loadAndCreate(t, dev, c1, uuid)

		cuID, err := dev.OpenCuContext(h.ID, 0, c1)
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if err := dev.CloseCuContext(cuID, c2); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied, got %+v", err)
		}
	})
}
