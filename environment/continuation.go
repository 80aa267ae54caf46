package environment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sweeplab/sweep/sweeperr"
)

// ContinuationSuffix is the reserved suffix of continuation records. The
// record sits next to the primary store, named after the trajectory.
const ContinuationSuffix = ".cnt"

// continuationRecord is the side file that makes a crashed sweep
// resumable. It is written once before the first run is dispatched and
// never rewritten; what changed since then lives in the store as per-run
// completed flags.
type continuationRecord struct {
	Trajectory  json.RawMessage `json:"trajectory"`
	Task        string          `json:"task"`
	Args        Args            `json:"args"`
	WasFullCopy bool            `json:"was_full_copy"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ContinuationPath returns the record path for a trajectory under dir.
func ContinuationPath(dir, trajectoryName string) string {
	return filepath.Join(dir, trajectoryName+ContinuationSuffix)
}

// writeContinuationRecord writes the record atomically, tmp then rename,
// so a crash during the write never leaves a half-readable record.
func writeContinuationRecord(path string, rec *continuationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return sweeperr.Wrap(sweeperr.CodeContinuationCorrupt, "encoding continuation record", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// loadContinuationRecord reads a record back. A missing file and a
// corrupt file are distinct errors: the first means there is nothing to
// resume, the second that there was and it cannot be trusted.
func loadContinuationRecord(path string) (*continuationRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sweeperr.ContinuationMissing(path)
		}
		return nil, sweeperr.Wrap(sweeperr.CodeContinuationCorrupt, "reading continuation record", err).
			WithDetail("path", path)
	}
	var rec continuationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, sweeperr.ContinuationCorrupt(path, err)
	}
	if rec.Task == "" || len(rec.Trajectory) == 0 {
		return nil, sweeperr.ContinuationCorrupt(path, nil)
	}
	return &rec, nil
}
