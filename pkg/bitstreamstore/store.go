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

// Package bitstreamstore indexes installed xclbin files by UUID so load
// requests can name a bitstream without shipping the image bytes.
package bitstreamstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
	"github.com/accel-io/fpga-coordinator/pkg/xclbin"
)

const fileExtension = ".xclbin"

// Store is a directory-backed bitstream index kept current with fsnotify.
type Store struct {
	root    string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	byUUID map[string]string
	byPath map[string]string
}

// Open scans the root directory for xclbin files and starts watching it for
// changes.
func Open(root string) (*Store, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher")
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", root)
	}

	s := &Store{
		root:    root,
		watcher: watcher,
		byUUID:  make(map[string]string),
		byPath:  make(map[string]string),
	}

	files, err := os.ReadDir(root)
	if err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "can't read bitstream directory %s", root)
	}
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), fileExtension) {
			s.index(filepath.Join(root, file.Name()))
		}
	}

	go s.watch()

	return s, nil
}

// Close stops the directory watcher.
func (s *Store) Close() error {
	return errors.WithStack(s.watcher.Close())
}

// Lookup returns the path of the installed bitstream with the given
// normalized UUID.
func (s *Store) Lookup(uuid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.byUUID[uuid]

	return path, ok
}

// Open opens the installed bitstream with the given normalized UUID.
func (s *Store) Open(uuid string) (*xclbin.File, error) {
	path, ok := s.Lookup(uuid)
	if !ok {
		return nil, errors.Wrapf(coordinator.ErrNotFound, "no installed bitstream %s", uuid)
	}

	return xclbin.Open(path)
}

// UUIDs returns the sorted UUIDs of all indexed bitstreams.
func (s *Store) UUIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.byUUID))
	for id := range s.byUUID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

func (s *Store) index(path string) {
	f, err := xclbin.Open(path)
	if err != nil {
		klog.V(2).Infof("Ignoring %s: %+v", path, err)
		return
	}
	defer f.Close()

	id := f.UUID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byPath[path]; ok && old != id {
		delete(s.byUUID, old)
	}
	s.byUUID[id] = path
	s.byPath[path] = id

	klog.V(3).Infof("Indexed bitstream %s from %s", id, path)
}

func (s *Store) drop(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPath[path]
	if !ok {
		return
	}
	delete(s.byPath, path)
	if s.byUUID[id] == path {
		delete(s.byUUID, id)
	}

	klog.V(3).Infof("Dropped bitstream %s (%s)", id, path)
}

func (s *Store) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, fileExtension) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
				s.index(ev.Name)
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				s.drop(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			klog.Errorf("Bitstream directory watch failed: %+v", err)
		}
	}
}
