package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
)

// journal is a keyed JSON state kept as <prefix>.snapshot.json plus an
// append-only <prefix>.journal.jsonl. Replaying the journal over the snapshot
// yields the current state; compaction folds it back into the snapshot.
type journal struct {
	snapPath string
	f        *os.File
	state    map[string]json.RawMessage

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	opPut = "put"
	opDel = "del"
)

func openJournal(prefix string, compactEvery int) (*journal, error) {
	j := &journal{
		snapPath:     prefix + ".snapshot.json",
		state:        map[string]json.RawMessage{},
		compactEvery: compactEvery,
	}
	if err := j.loadSnapshot(); err != nil {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := j.replay(journalPath); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.f = f
	if err := j.compact(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *journal) loadSnapshot() error {
	b, err := os.ReadFile(j.snapPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &j.state)
}

// replay applies journal records; a torn trailing line from a crash is ignored.
func (j *journal) replay(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.Key == "" {
			continue
		}
		j.apply(rec)
	}
	return sc.Err()
}

func (j *journal) apply(rec journalRecord) {
	switch rec.Op {
	case opPut:
		j.state[rec.Key] = rec.Value
	case opDel:
		delete(j.state, rec.Key)
	}
}

func (j *journal) append(rec journalRecord) error {
	if j.f == nil {
		return ErrClosed
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := j.f.Write(append(b, '\n')); err != nil {
		return err
	}
	j.apply(rec)
	j.writes++
	if j.compactEvery > 0 && j.writes%j.compactEvery == 0 {
		return j.compact()
	}
	return nil
}

func (j *journal) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return j.append(journalRecord{Op: opPut, Key: key, Value: b})
}

func (j *journal) del(key string) error {
	if _, ok := j.state[key]; !ok {
		return nil
	}
	return j.append(journalRecord{Op: opDel, Key: key})
}

func (j *journal) keys() []string {
	out := make([]string, 0, len(j.state))
	for k := range j.state {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// compact writes the state atomically (tmp + rename) and truncates the journal.
func (j *journal) compact() error {
	tmp := j.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(j.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapPath); err != nil {
		return err
	}
	if err := j.f.Truncate(0); err != nil {
		return err
	}
	_, err = j.f.Seek(0, io.SeekEnd)
	return err
}

func (j *journal) close() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
