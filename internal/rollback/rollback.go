// Package rollback backs up workspace files before modification and
// restores them when a change has to be undone.
package rollback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"evoagent/internal/jsonx"
	"evoagent/internal/logging"
	"evoagent/internal/store"
)

// Backup statuses.
const (
	StatusActive     = "active"
	StatusRolledBack = "rolled_back"
)

// DefaultAutoThreshold is the relative success-rate drop that triggers an
// automatic rollback.
const DefaultAutoThreshold = 0.20

// Metadata describes one backup directory.
type Metadata struct {
	BackupID     string   `json:"backup_id"`
	ProposalID   string   `json:"proposal_id"`
	Timestamp    string   `json:"timestamp"`
	Files        []string `json:"files"`
	MissingFiles []string `json:"missing_files"`
	Status       string   `json:"status"`
	RolledBackAt string   `json:"rolled_back_at,omitempty"`
}

// Result reports one rollback attempt.
type Result struct {
	RestoredFiles []string `json:"restored_files"`
	Status        string   `json:"status"`
	Error         string   `json:"error,omitempty"`
}

// Manager owns the workspace backups directory.
type Manager struct {
	ws          *store.Workspace
	backupsRoot string
	logger      logging.Logger
}

// NewManager creates the backups directory under the workspace.
func NewManager(ws *store.Workspace, logger logging.Logger) (*Manager, error) {
	root := ws.Path("backups")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create backups dir: %w", err)
	}
	return &Manager{ws: ws, backupsRoot: root, logger: logging.OrNop(logger)}, nil
}

// Backup snapshots the given workspace-relative files before a change.
// Files that do not exist yet are recorded as missing so a rollback can
// delete whatever the change created.
func (m *Manager) Backup(filePaths []string, proposalID string) (string, error) {
	now := time.Now()
	backupID := makeBackupID(now, proposalID)
	backupPath := filepath.Join(m.backupsRoot, backupID)
	for suffix := 1; ; suffix++ {
		if _, err := os.Stat(backupPath); errors.Is(err, os.ErrNotExist) {
			break
		}
		backupID = fmt.Sprintf("%s_%d", makeBackupID(now, proposalID), suffix)
		backupPath = filepath.Join(m.backupsRoot, backupID)
	}
	if err := os.MkdirAll(backupPath, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	meta := Metadata{
		BackupID:   backupID,
		ProposalID: proposalID,
		Timestamp:  now.Format(store.TimeLayout),
		Status:     StatusActive,
	}
	for _, filePath := range filePaths {
		rel, ok := m.normalize(filePath)
		if !ok {
			m.logger.Warn("rollback: skip out-of-workspace path %s", filePath)
			continue
		}
		meta.Files = append(meta.Files, rel)

		source := m.ws.Path(rel)
		if _, err := os.Stat(source); errors.Is(err, os.ErrNotExist) {
			meta.MissingFiles = append(meta.MissingFiles, rel)
			continue
		}
		if err := copyFile(source, filepath.Join(backupPath, rel)); err != nil {
			m.logger.Error("rollback: backup %s: %v", rel, err)
		}
	}

	if err := m.writeMetadata(backupPath, meta); err != nil {
		return "", err
	}
	return backupID, nil
}

// Rollback restores all files of one backup. Backups already rolled back
// are refused. Files recorded as missing at backup time are deleted.
func (m *Manager) Rollback(backupID string) Result {
	result := Result{Status: "failed"}

	backupPath := filepath.Join(m.backupsRoot, backupID)
	if _, err := os.Stat(backupPath); err != nil {
		result.Error = "backup_not_found"
		return result
	}
	meta, err := m.readMetadata(backupPath)
	if err != nil {
		result.Error = "metadata_not_found"
		return result
	}
	if meta.Status == StatusRolledBack {
		result.Error = "already_rolled_back"
		return result
	}

	missing := map[string]bool{}
	for _, rel := range meta.MissingFiles {
		missing[rel] = true
	}

	var restoreErrors []string
	for _, rel := range meta.Files {
		backupFile := filepath.Join(backupPath, rel)
		targetFile := m.ws.Path(rel)
		if _, err := os.Stat(backupFile); err == nil {
			if err := copyFile(backupFile, targetFile); err != nil {
				m.logger.Error("rollback: restore %s: %v", rel, err)
				restoreErrors = append(restoreErrors, "restore_failed:"+rel)
				continue
			}
			result.RestoredFiles = append(result.RestoredFiles, rel)
		} else if missing[rel] {
			if err := os.Remove(targetFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				restoreErrors = append(restoreErrors, "restore_failed:"+rel)
			}
		} else {
			restoreErrors = append(restoreErrors, "missing_backup_file:"+rel)
		}
	}
	if len(restoreErrors) > 0 {
		result.Error = strings.Join(restoreErrors, ";")
		return result
	}

	meta.Status = StatusRolledBack
	meta.RolledBackAt = store.Now()
	if err := m.writeMetadata(backupPath, meta); err != nil {
		result.Error = "metadata_update_failed"
		return result
	}
	result.Status = "success"
	return result
}

// ListBackups returns backup metadata, newest first.
func (m *Manager) ListBackups(limit int) []Metadata {
	entries, err := os.ReadDir(m.backupsRoot)
	if err != nil {
		m.logger.Error("rollback: read backups dir: %v", err)
		return nil
	}
	var backups []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := m.readMetadata(filepath.Join(m.backupsRoot, entry.Name()))
		if err != nil {
			continue
		}
		backups = append(backups, meta)
	}
	sort.SliceStable(backups, func(i, j int) bool {
		if backups[i].Timestamp != backups[j].Timestamp {
			return backups[i].Timestamp > backups[j].Timestamp
		}
		return backups[i].BackupID > backups[j].BackupID
	})
	if limit >= 0 && len(backups) > limit {
		backups = backups[:limit]
	}
	return backups
}

// Cleanup deletes backups older than retentionDays.
func (m *Manager) Cleanup(retentionDays int) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, meta := range m.ListBackups(-1) {
		ts, err := time.ParseInLocation(store.TimeLayout, meta.Timestamp, time.Local)
		if err != nil {
			m.logger.Warn("rollback: skip cleanup for %s, bad timestamp", meta.BackupID)
			continue
		}
		if !ts.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.backupsRoot, meta.BackupID)); err != nil {
			m.logger.Error("rollback: delete backup %s: %v", meta.BackupID, err)
		} else {
			m.logger.Info("rollback: deleted expired backup %s (status=%s)", meta.BackupID, meta.Status)
		}
	}
}

// AutoRollbackCheck rolls back the latest active backup of a proposal when
// the current success rate fell more than threshold below the baseline.
// It reports whether a rollback actually happened.
func (m *Manager) AutoRollbackCheck(proposalID string, currentRate, baselineRate, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultAutoThreshold
	}
	if baselineRate <= 0 {
		return false
	}
	if (baselineRate-currentRate)/baselineRate <= threshold {
		return false
	}

	backupID := ""
	for _, meta := range m.ListBackups(-1) {
		if meta.ProposalID == proposalID && meta.Status == StatusActive {
			backupID = meta.BackupID
			break
		}
	}
	if backupID == "" {
		m.logger.Warn("rollback: no active backup for proposal %s", proposalID)
		return false
	}
	return m.Rollback(backupID).Status == "success"
}

func makeBackupID(now time.Time, proposalID string) string {
	return "backup_" + now.Format("20060102_150405") + "_" + proposalID
}

// normalize maps a path onto a workspace-relative one, rejecting escapes.
func (m *Manager) normalize(filePath string) (string, bool) {
	if filepath.IsAbs(filePath) {
		return m.ws.Rel(filePath)
	}
	if _, err := m.ws.Resolve(filePath); err != nil {
		return "", false
	}
	return filepath.ToSlash(filepath.Clean(filePath)), true
}

func (m *Manager) readMetadata(backupDir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(backupDir, "metadata.json"))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := jsonx.Unmarshal(data, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (m *Manager) writeMetadata(backupDir string, meta Metadata) error {
	data, err := jsonx.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(backupDir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
