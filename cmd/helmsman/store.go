package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sandboxed-sh/helmsman/internal/events"
	"github.com/sandboxed-sh/helmsman/internal/mission"
)

var errMissionNotRecorded = errors.New("no recorded mission")

// missionStore keeps one directory per mission under ~/.helmsman/missions
// so status, events and watch can inspect runs from earlier invocations.
type missionStore struct {
	root string
}

func openMissionStore() (*missionStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	root := filepath.Join(home, ".helmsman", "missions")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create mission store %s: %w", root, err)
	}
	return &missionStore{root: root}, nil
}

func newMissionStoreAt(root string) (*missionStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create mission store %s: %w", root, err)
	}
	return &missionStore{root: root}, nil
}

func (s *missionStore) missionDir(missionID string) string {
	return filepath.Join(s.root, filepath.Base(missionID))
}

// SaveSnapshot records the mission's current status, replacing any earlier
// record for the same mission.
func (s *missionStore) SaveSnapshot(snap mission.Snapshot) error {
	dir := s.missionDir(snap.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create mission record %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot for mission %s: %w", snap.ID, err)
	}
	path := filepath.Join(dir, "snapshot.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// SaveEvents writes the full canonical stream in wire form, one event per line.
func (s *missionStore) SaveEvents(missionID string, stream []events.Event) error {
	dir := s.missionDir(missionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create mission record %s: %w", dir, err)
	}
	path := filepath.Join(dir, "events.ndjson")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	encoder := json.NewEncoder(file)
	for _, event := range stream {
		if err := encoder.Encode(event); err != nil {
			_ = file.Close()
			return fmt.Errorf("write event %d for mission %s: %w", event.Sequence, missionID, err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// LoadSnapshot reads a recorded mission's status.
func (s *missionStore) LoadSnapshot(missionID string) (mission.Snapshot, error) {
	path := filepath.Join(s.missionDir(missionID), "snapshot.json")
	// #nosec G304 -- path is derived from the store root and a sanitized id.
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return mission.Snapshot{}, fmt.Errorf("%w: %s", errMissionNotRecorded, missionID)
	}
	if err != nil {
		return mission.Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	var snap mission.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return mission.Snapshot{}, fmt.Errorf("decode snapshot for mission %s: %w", missionID, err)
	}
	return snap, nil
}

// LoadEvents replays a recorded mission's stream from the given sequence.
func (s *missionStore) LoadEvents(missionID string, fromSeq uint64) ([]events.Event, error) {
	path := filepath.Join(s.missionDir(missionID), "events.ndjson")
	// #nosec G304 -- path is derived from the store root and a sanitized id.
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errMissionNotRecorded, missionID)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	var stream []events.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event events.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("decode recorded event for mission %s: %w", missionID, err)
		}
		if event.Sequence < fromSeq {
			continue
		}
		stream = append(stream, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return stream, nil
}

// List returns every recorded snapshot, oldest submission first.
func (s *missionStore) List() ([]mission.Snapshot, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read mission store %s: %w", s.root, err)
	}
	snapshots := make([]mission.Snapshot, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snap, err := s.LoadSnapshot(entry.Name())
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].ID < snapshots[j].ID
		}
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}
