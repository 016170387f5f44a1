package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/operato/runner/pkg/domain/errors"
	"github.com/operato/runner/pkg/domain/module"
)

const (
	modulesBucket     = "modules"
	versionsBucket    = "versions"
	deploymentsBucket = "deployments"
	historyBucket     = "history"
	validationBucket  = "validation_logs"
	errorLogBucket    = "error_logs"
)

// BoltStore implements Repository using BoltDB.
type BoltStore struct {
	db     *bbolt.DB
	logger zerolog.Logger
}

var _ Repository = &BoltStore{}

// NewBoltStore opens (creating if needed) the bolt database at dbPath.
func NewBoltStore(dbPath string, logger zerolog.Logger) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.CodeIoError, "persistence", fmt.Sprintf("failed to create directory %s", dir), err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "locked") {
			return nil, errors.New(errors.CodeIoError, "persistence",
				fmt.Sprintf("database file '%s' is already in use by another runner instance", dbPath), err)
		}
		return nil, errors.New(errors.CodeIoError, "persistence", "failed to open bolt db", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{modulesBucket, versionsBucket, deploymentsBucket, historyBucket, validationBucket, errorLogBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeIoError, "persistence", "failed to create buckets", err)
	}

	return &BoltStore{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Close closes the BoltDB connection.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Compound keys: versions and deployments are keyed by "<module>/<label>",
// history by "<module>/<zero-padded sequence>". Module names reject '/' at
// registration so prefixes cannot collide.

func versionKey(name, label string) []byte {
	return []byte(name + "/" + label)
}

func modulePrefix(name string) []byte {
	return []byte(name + "/")
}

func (s *BoltStore) GetModule(ctx context.Context, name string) (module.Module, error) {
	var mod module.Module
	err := s.db.View(func(tx *bbolt.Tx) error {
		m, err := getModuleTx(tx, name)
		if err != nil {
			return err
		}
		mod = m
		return nil
	})
	if err != nil {
		return module.Module{}, err
	}
	return mod, nil
}

func (s *BoltStore) ListModules(ctx context.Context) ([]module.Module, error) {
	var mods []module.Module
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(modulesBucket)).ForEach(func(k, v []byte) error {
			var mod module.Module
			if err := json.Unmarshal(v, &mod); err != nil {
				return nil // skip unreadable rows
			}
			if mod.Status != module.ModuleDeleted {
				mods = append(mods, mod)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
	return mods, nil
}

func (s *BoltStore) GetVersion(ctx context.Context, name, label string) (module.Version, error) {
	var ver module.Version
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(versionsBucket)).Get(versionKey(name, label))
		if data == nil {
			return errors.New(errors.CodeVersionNotFound, "persistence",
				fmt.Sprintf("version %s of module %s not found", label, name), nil)
		}
		return json.Unmarshal(data, &ver)
	})
	if err != nil {
		return module.Version{}, err
	}
	return ver, nil
}

func (s *BoltStore) ListVersions(ctx context.Context, name string) ([]module.Version, error) {
	var vers []module.Version
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(versionsBucket)).Cursor()
		prefix := modulePrefix(name)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ver module.Version
			if err := json.Unmarshal(v, &ver); err != nil {
				continue
			}
			vers = append(vers, ver)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(vers, func(i, j int) bool { return vers[i].CreatedAt.Before(vers[j].CreatedAt) })
	return vers, nil
}

func (s *BoltStore) ListDeployments(ctx context.Context, name string) ([]module.Deployment, error) {
	var deps []module.Deployment
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachDeployment(tx, name, func(d module.Deployment) {
			deps = append(deps, d)
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].DeployedAt.Before(deps[j].DeployedAt) })
	return deps, nil
}

func (s *BoltStore) ActiveDeployment(ctx context.Context, name string) (module.Deployment, error) {
	var active *module.Deployment
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachDeployment(tx, name, func(d module.Deployment) {
			if d.Status == module.DeployActive {
				cp := d
				active = &cp
			}
		})
	})
	if err != nil {
		return module.Deployment{}, err
	}
	if active == nil {
		return module.Deployment{}, errors.New(errors.CodeNoActiveDeployment, "persistence",
			fmt.Sprintf("module %s has no active deployment", name), nil)
	}
	return *active, nil
}

func (s *BoltStore) History(ctx context.Context, name string) ([]module.HistoryEntry, error) {
	var entries []module.HistoryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(historyBucket)).Cursor()
		prefix := modulePrefix(name)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry module.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// newest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// CreateModule registers a module with its first version and an active
// deployment, in one transaction. Fails with NAME_CONFLICT if a non-deleted
// module of that name exists.
func (s *BoltStore) CreateModule(ctx context.Context, mod module.Module, ver module.Version, operator string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		modules := tx.Bucket([]byte(modulesBucket))
		if data := modules.Get([]byte(mod.Name)); data != nil {
			var existing module.Module
			if err := json.Unmarshal(data, &existing); err == nil && existing.Status != module.ModuleDeleted {
				return errors.New(errors.CodeNameConflict, "persistence",
					fmt.Sprintf("module %s already registered", mod.Name), nil)
			}
		}

		now := time.Now()
		mod.Status = module.ModuleActive
		mod.CurrentVersion = ver.Label
		mod.CreatedAt = now
		mod.UpdatedAt = now
		ver.CreatedAt = now

		if err := putJSON(modules, []byte(mod.Name), mod); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket([]byte(versionsBucket)), versionKey(mod.Name, ver.Label), ver); err != nil {
			return err
		}
		dep := module.Deployment{Module: mod.Name, Version: ver.Label, Status: module.DeployActive, DeployedAt: now}
		if err := putJSON(tx.Bucket([]byte(deploymentsBucket)), versionKey(mod.Name, ver.Label), dep); err != nil {
			return err
		}
		return s.appendHistory(tx, mod.Name, ver.Label, module.ActionUpload, operator, now)
	})
}

// InsertVersion uploads a new version and activates it: every other
// deployment of the module goes inactive in the same transaction.
func (s *BoltStore) InsertVersion(ctx context.Context, ver module.Version, operator string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		mod, err := getModuleTx(tx, ver.Module)
		if err != nil {
			return err
		}
		versions := tx.Bucket([]byte(versionsBucket))
		if versions.Get(versionKey(ver.Module, ver.Label)) != nil {
			return errors.New(errors.CodeDuplicateVersion, "persistence",
				fmt.Sprintf("version %s of module %s already exists", ver.Label, ver.Module), nil)
		}

		now := time.Now()
		ver.CreatedAt = now
		if err := putJSON(versions, versionKey(ver.Module, ver.Label), ver); err != nil {
			return err
		}
		if err := s.deactivateAll(tx, ver.Module); err != nil {
			return err
		}
		dep := module.Deployment{Module: ver.Module, Version: ver.Label, Status: module.DeployActive, DeployedAt: now}
		if err := putJSON(tx.Bucket([]byte(deploymentsBucket)), versionKey(ver.Module, ver.Label), dep); err != nil {
			return err
		}

		mod.CurrentVersion = ver.Label
		mod.UpdatedAt = now
		if err := putJSON(tx.Bucket([]byte(modulesBucket)), []byte(mod.Name), mod); err != nil {
			return err
		}
		return s.appendHistory(tx, ver.Module, ver.Label, module.ActionUpload, operator, now)
	})
}

// SetActive activates the named version (action distinguishes activate from
// rollback in the history). All other deployments go inactive atomically.
func (s *BoltStore) SetActive(ctx context.Context, name, label string, action module.HistoryAction, operator string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		mod, err := getModuleTx(tx, name)
		if err != nil {
			return err
		}
		if tx.Bucket([]byte(versionsBucket)).Get(versionKey(name, label)) == nil {
			return errors.New(errors.CodeVersionNotFound, "persistence",
				fmt.Sprintf("version %s of module %s not found", label, name), nil)
		}

		now := time.Now()
		if err := s.deactivateAll(tx, name); err != nil {
			return err
		}
		dep := module.Deployment{Module: name, Version: label, Status: module.DeployActive, DeployedAt: now}
		if err := putJSON(tx.Bucket([]byte(deploymentsBucket)), versionKey(name, label), dep); err != nil {
			return err
		}

		mod.CurrentVersion = label
		mod.UpdatedAt = now
		if err := putJSON(tx.Bucket([]byte(modulesBucket)), []byte(name), mod); err != nil {
			return err
		}
		return s.appendHistory(tx, name, label, action, operator, now)
	})
}

// Deactivate marks the named deployment inactive. Only the active deployment
// can be deactivated, so the module's current version mirror always clears
// together with it.
func (s *BoltStore) Deactivate(ctx context.Context, name, label string, operator string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		mod, err := getModuleTx(tx, name)
		if err != nil {
			return err
		}
		deployments := tx.Bucket([]byte(deploymentsBucket))
		data := deployments.Get(versionKey(name, label))
		if data == nil {
			return errors.New(errors.CodeVersionNotFound, "persistence",
				fmt.Sprintf("no deployment of %s version %s", name, label), nil)
		}
		var dep module.Deployment
		if err := json.Unmarshal(data, &dep); err != nil {
			return errors.New(errors.CodeInternalError, "persistence", "failed to unmarshal deployment", err)
		}
		if dep.Status != module.DeployActive {
			return errors.New(errors.CodeInvalidState, "persistence",
				fmt.Sprintf("version %s of module %s is not the active deployment", label, name), nil)
		}

		now := time.Now()
		dep.Status = module.DeployInactive
		if err := putJSON(deployments, versionKey(name, label), dep); err != nil {
			return err
		}
		mod.CurrentVersion = ""
		mod.UpdatedAt = now
		if err := putJSON(tx.Bucket([]byte(modulesBucket)), []byte(name), mod); err != nil {
			return err
		}
		return s.appendHistory(tx, name, label, module.ActionDeactivate, operator, now)
	})
}

// UpdateModuleInfo edits description and tags. Nil fields are left alone.
func (s *BoltStore) UpdateModuleInfo(ctx context.Context, name string, description *string, tags *[]string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		mod, err := getModuleTx(tx, name)
		if err != nil {
			return err
		}
		if description != nil {
			mod.Description = *description
		}
		if tags != nil {
			mod.Tags = *tags
		}
		mod.UpdatedAt = time.Now()
		return putJSON(tx.Bucket([]byte(modulesBucket)), []byte(name), mod)
	})
}

// MarkDeleted flips the module to deleted and cascades: its versions and
// deployments are removed, and no deployment stays active.
func (s *BoltStore) MarkDeleted(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		mod, err := getModuleTx(tx, name)
		if err != nil {
			return err
		}
		mod.Status = module.ModuleDeleted
		mod.CurrentVersion = ""
		mod.UpdatedAt = time.Now()
		if err := putJSON(tx.Bucket([]byte(modulesBucket)), []byte(name), mod); err != nil {
			return err
		}
		for _, bucket := range []string{versionsBucket, deploymentsBucket} {
			if err := deletePrefix(tx.Bucket([]byte(bucket)), modulePrefix(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) AppendValidationLog(ctx context.Context, rec module.ValidationLog) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(validationBucket))
		seq, err := bucket.NextSequence()
		if err != nil {
			return errors.New(errors.CodeIoError, "persistence", "failed to allocate sequence", err)
		}
		return putJSON(bucket, []byte(fmt.Sprintf("%016d", seq)), rec)
	})
}

func (s *BoltStore) ListValidationLogs(ctx context.Context, limit int) ([]module.ValidationLog, error) {
	var logs []module.ValidationLog
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(validationBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec module.ValidationLog
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			logs = append(logs, rec)
			if limit > 0 && len(logs) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *BoltStore) AppendErrorLog(ctx context.Context, rec module.ErrorLog) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(errorLogBucket))
		seq, err := bucket.NextSequence()
		if err != nil {
			return errors.New(errors.CodeIoError, "persistence", "failed to allocate sequence", err)
		}
		return putJSON(bucket, []byte(fmt.Sprintf("%016d", seq)), rec)
	})
}

func (s *BoltStore) QueryErrorLogs(ctx context.Context, f ErrorLogFilter) ([]module.ErrorLog, error) {
	var logs []module.ErrorLog
	skipped := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(errorLogBucket)).Cursor()
		// newest first
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec module.ErrorLog
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if !matchErrorLog(rec, f) {
				continue
			}
			if skipped < f.Offset {
				skipped++
				continue
			}
			logs = append(logs, rec)
			if f.Limit > 0 && len(logs) >= f.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func matchErrorLog(rec module.ErrorLog, f ErrorLogFilter) bool {
	if f.Code != "" && rec.Code != f.Code {
		return false
	}
	if f.User != "" && rec.User != f.User {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	if f.Keyword != "" &&
		!strings.Contains(rec.Message, f.Keyword) &&
		!strings.Contains(rec.DevMessage, f.Keyword) {
		return false
	}
	return true
}

// helpers shared by the transactions

func getModuleTx(tx *bbolt.Tx, name string) (module.Module, error) {
	data := tx.Bucket([]byte(modulesBucket)).Get([]byte(name))
	if data == nil {
		return module.Module{}, errors.New(errors.CodeModuleNotFound, "persistence",
			fmt.Sprintf("module %s not found", name), nil)
	}
	var mod module.Module
	if err := json.Unmarshal(data, &mod); err != nil {
		return module.Module{}, errors.New(errors.CodeInternalError, "persistence", "failed to unmarshal module", err)
	}
	if mod.Status == module.ModuleDeleted {
		return module.Module{}, errors.New(errors.CodeModuleNotFound, "persistence",
			fmt.Sprintf("module %s is deleted", name), nil)
	}
	return mod, nil
}

func (s *BoltStore) deactivateAll(tx *bbolt.Tx, name string) error {
	deployments := tx.Bucket([]byte(deploymentsBucket))
	type kv struct {
		key []byte
		dep module.Deployment
	}
	var updates []kv
	err := forEachDeployment(tx, name, func(d module.Deployment) {
		if d.Status == module.DeployActive {
			d.Status = module.DeployInactive
			updates = append(updates, kv{versionKey(d.Module, d.Version), d})
		}
	})
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := putJSON(deployments, u.key, u.dep); err != nil {
			return err
		}
	}
	return nil
}

func forEachDeployment(tx *bbolt.Tx, name string, fn func(module.Deployment)) error {
	c := tx.Bucket([]byte(deploymentsBucket)).Cursor()
	prefix := modulePrefix(name)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var dep module.Deployment
		if err := json.Unmarshal(v, &dep); err != nil {
			continue
		}
		fn(dep)
	}
	return nil
}

func (s *BoltStore) appendHistory(tx *bbolt.Tx, name, label string, action module.HistoryAction, operator string, at time.Time) error {
	bucket := tx.Bucket([]byte(historyBucket))
	seq, err := bucket.NextSequence()
	if err != nil {
		return errors.New(errors.CodeIoError, "persistence", "failed to allocate sequence", err)
	}
	entry := module.HistoryEntry{Module: name, Version: label, Action: action, Operator: operator, Timestamp: at}
	return putJSON(bucket, []byte(fmt.Sprintf("%s/%016d", name, seq)), entry)
}

func deletePrefix(bucket *bbolt.Bucket, prefix []byte) error {
	c := bucket.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return errors.New(errors.CodeIoError, "persistence", "failed to delete record", err)
		}
	}
	return nil
}

func putJSON(bucket *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.New(errors.CodeInternalError, "persistence", "failed to marshal record", err)
	}
	if err := bucket.Put(key, data); err != nil {
		return errors.New(errors.CodeIoError, "persistence", "failed to store record", err)
	}
	return nil
}
