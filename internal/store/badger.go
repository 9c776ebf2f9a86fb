package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/droverhq/drover/internal/model"
)

// Key layout:
//
//	machine:<id>
//	group:<id>
//	member:<group_id>:<machine_id>
//	run:<id>
//	output:<run_id>:<output_id>
//
// Values are JSON. The output key only namespaces outputs under their run;
// listing sorts by CreatedAt with ID as tiebreak, since the ID timestamp has
// one-second granularity.

const maxTxnRetries = 64

// BadgerStore implements Store on Badger. Badger's SSI transactions give the
// atomicity the queue counter and run transitions require: a conflicting
// concurrent commit fails with ErrConflict and the whole read-compute-write
// closure is retried.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewInMemoryStore opens a Badger instance backed by memory only. Tests.
func NewInMemoryStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func machineKey(id string) []byte  { return []byte("machine:" + id) }
func groupKey(id string) []byte    { return []byte("group:" + id) }
func runKey(id string) []byte      { return []byte("run:" + id) }
func memberKey(g, m string) []byte { return []byte("member:" + g + ":" + m) }
func outputKey(runID, outputID string) []byte {
	return []byte("output:" + runID + ":" + outputID)
}

// update runs fn in a read-write transaction, retrying on commit conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict not resolved after %d retries: %w", maxTxnRetries, err)
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(data []byte) error {
		return json.Unmarshal(data, v)
	})
}

// Machines

func (s *BadgerStore) SaveMachine(ctx context.Context, m *model.Machine) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, machineKey(m.ID), m)
	})
}

func (s *BadgerStore) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	var out model.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, machineKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListMachines(ctx context.Context) ([]*model.Machine, error) {
	var machines []*model.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPrefix(txn, "machine:", func(data []byte) error {
			var m model.Machine
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			machines = append(machines, &m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].ID < machines[j].ID })
	return machines, nil
}

func (s *BadgerStore) DeleteMachine(ctx context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(machineKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(machineKey(id))
	})
}

// Groups

func (s *BadgerStore) SaveGroup(ctx context.Context, g *model.MachineGroup) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, groupKey(g.ID), g)
	})
}

func (s *BadgerStore) GetGroup(ctx context.Context, id string) (*model.MachineGroup, error) {
	var out model.MachineGroup
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, groupKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListGroups(ctx context.Context) ([]*model.MachineGroup, error) {
	var groups []*model.MachineGroup
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPrefix(txn, "group:", func(data []byte) error {
			var g model.MachineGroup
			if err := json.Unmarshal(data, &g); err != nil {
				return err
			}
			groups = append(groups, &g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (s *BadgerStore) DeleteGroup(ctx context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(groupKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		memberKeys, err := collectKeys(txn, "member:"+id+":")
		if err != nil {
			return err
		}
		for _, k := range memberKeys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(groupKey(id))
	})
}

func (s *BadgerStore) AddGroupMember(ctx context.Context, groupID, machineID string) (bool, error) {
	added := false
	err := s.update(func(txn *badger.Txn) error {
		added = false
		key := memberKey(groupID, machineID)
		if _, err := txn.Get(key); err == nil {
			// Already a member. Idempotent no-op.
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return setJSON(txn, key, &model.MachineGroupMember{
			GroupID:   groupID,
			MachineID: machineID,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

func (s *BadgerStore) RemoveGroupMember(ctx context.Context, groupID, machineID string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(memberKey(groupID, machineID))
	})
}

func (s *BadgerStore) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var machineIDs []string
	prefix := "member:" + groupID + ":"
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPrefix(txn, prefix, func(data []byte) error {
			var m model.MachineGroupMember
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			machineIDs = append(machineIDs, m.MachineID)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(machineIDs)
	return machineIDs, nil
}

// Runs

func (s *BadgerStore) SaveRun(ctx context.Context, r *model.WorkflowRun) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, runKey(r.ID), r)
	})
}

func (s *BadgerStore) GetRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	var out model.WorkflowRun
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, runKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListRuns(ctx context.Context) ([]*model.WorkflowRun, error) {
	var runs []*model.WorkflowRun
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPrefix(txn, "run:", func(data []byte) error {
			var r model.WorkflowRun
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			runs = append(runs, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

func (s *BadgerStore) DeleteRun(ctx context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		outputKeys, err := collectKeys(txn, "output:"+id+":")
		if err != nil {
			return err
		}
		for _, k := range outputKeys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(runKey(id))
	})
}

// Outputs

func (s *BadgerStore) AppendOutput(ctx context.Context, o *model.RunOutput) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(o.RunID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return setJSON(txn, outputKey(o.RunID, o.ID), o)
	})
}

func (s *BadgerStore) ListOutputs(ctx context.Context, runID string) ([]*model.RunOutput, error) {
	var outputs []*model.RunOutput
	prefix := "output:" + runID + ":"
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachPrefix(txn, prefix, func(data []byte) error {
			var o model.RunOutput
			if err := json.Unmarshal(data, &o); err != nil {
				return err
			}
			outputs = append(outputs, &o)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(outputs, func(i, j int) bool {
		if !outputs[i].CreatedAt.Equal(outputs[j].CreatedAt) {
			return outputs[i].CreatedAt.Before(outputs[j].CreatedAt)
		}
		return outputs[i].ID < outputs[j].ID
	})
	return outputs, nil
}

// TransitionRun performs the read-compute-write of a status update in one
// transaction. The previous-status read and the new-status write commit
// together, so two racing terminal writes cannot both observe a non-terminal
// previous status: the loser conflicts, retries, and sees the terminal value.
func (s *BadgerStore) TransitionRun(ctx context.Context, runID string, status model.RunStatus, now time.Time) (*model.WorkflowRun, bool, error) {
	var (
		updated    model.WorkflowRun
		completing bool
	)
	err := s.update(func(txn *badger.Txn) error {
		var r model.WorkflowRun
		if err := getJSON(txn, runKey(runID), &r); err != nil {
			return err
		}

		completing = model.IsCompleting(r.Status, status)
		r.Status = status
		if model.IsTerminal(status) {
			if completing {
				ts := now.UTC()
				r.CompletedAt = &ts
			}
			// Repeated terminal writes keep the original completion time.
		} else {
			r.CompletedAt = nil
		}

		if err := setJSON(txn, runKey(runID), &r); err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &updated, completing, nil
}

// Queue counter

func (s *BadgerStore) IncrementQueue(ctx context.Context, machineID string) (int, error) {
	var count int
	err := s.update(func(txn *badger.Txn) error {
		var m model.Machine
		if err := getJSON(txn, machineKey(machineID), &m); err != nil {
			return err
		}
		if m.MaxQueueSize > 0 && m.QueueCount >= m.MaxQueueSize {
			return ErrQueueFull
		}
		m.QueueCount++
		m.QueueUpdatedAt = time.Now().UTC()
		count = m.QueueCount
		return setJSON(txn, machineKey(machineID), &m)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BadgerStore) DecrementQueue(ctx context.Context, machineID string) (int, error) {
	var count int
	err := s.update(func(txn *badger.Txn) error {
		var m model.Machine
		if err := getJSON(txn, machineKey(machineID), &m); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Machine deleted after dispatch. Nothing to account.
				count = 0
				return nil
			}
			return err
		}
		if m.QueueCount > 0 {
			m.QueueCount--
		}
		m.QueueUpdatedAt = time.Now().UTC()
		count = m.QueueCount
		return setJSON(txn, machineKey(machineID), &m)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BadgerStore) SetQueue(ctx context.Context, machineID string, value int) (int, error) {
	if value < 0 {
		value = 0
	}
	var count int
	err := s.update(func(txn *badger.Txn) error {
		var m model.Machine
		if err := getJSON(txn, machineKey(machineID), &m); err != nil {
			return err
		}
		m.QueueCount = value
		m.QueueUpdatedAt = time.Now().UTC()
		count = m.QueueCount
		return setJSON(txn, machineKey(machineID), &m)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Iteration helpers

func forEachPrefix(txn *badger.Txn, prefix string, fn func(data []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(data []byte) error {
			return fn(data)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func collectKeys(txn *badger.Txn, prefix string) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

var _ Store = (*BadgerStore)(nil)
