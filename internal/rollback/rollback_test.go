package rollback

import (
	"os"
	"path/filepath"
	"testing"

	"evoagent/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.Workspace) {
	t.Helper()
	ws, err := store.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m, ws
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBackupAndRollbackRestoresContent(t *testing.T) {
	m, ws := newManager(t)
	rulePath := ws.Path("rules", "experience", "style.md")
	writeFile(t, rulePath, "old content")

	backupID, err := m.Backup([]string{"rules/experience/style.md"}, "prop_1")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, rulePath, "broken content")

	result := m.Rollback(backupID)
	if result.Status != "success" || len(result.RestoredFiles) != 1 {
		t.Fatalf("rollback: %+v", result)
	}
	data, err := os.ReadFile(rulePath)
	if err != nil || string(data) != "old content" {
		t.Fatalf("restored content: %q %v", data, err)
	}
}

func TestRollbackDeletesFilesMissingAtBackupTime(t *testing.T) {
	m, ws := newManager(t)
	newRule := ws.Path("rules", "experience", "new.md")

	backupID, err := m.Backup([]string{"rules/experience/new.md"}, "prop_2")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, newRule, "created by the change")

	result := m.Rollback(backupID)
	if result.Status != "success" {
		t.Fatalf("rollback: %+v", result)
	}
	if _, err := os.Stat(newRule); !os.IsNotExist(err) {
		t.Fatal("file created by the change survived rollback")
	}

	backups := m.ListBackups(10)
	if len(backups) != 1 || len(backups[0].MissingFiles) != 1 {
		t.Fatalf("metadata: %+v", backups)
	}
}

func TestRollbackRefusesSecondRun(t *testing.T) {
	m, ws := newManager(t)
	writeFile(t, ws.Path("rules", "a.md"), "x")

	backupID, err := m.Backup([]string{"rules/a.md"}, "prop_3")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Rollback(backupID); got.Status != "success" {
		t.Fatalf("first rollback: %+v", got)
	}
	got := m.Rollback(backupID)
	if got.Status != "failed" || got.Error != "already_rolled_back" {
		t.Fatalf("second rollback: %+v", got)
	}
}

func TestRollbackUnknownBackup(t *testing.T) {
	m, _ := newManager(t)
	if got := m.Rollback("backup_missing"); got.Error != "backup_not_found" {
		t.Fatalf("unknown backup: %+v", got)
	}
}

func TestBackupSkipsOutOfWorkspacePaths(t *testing.T) {
	m, _ := newManager(t)
	backupID, err := m.Backup([]string{"../outside.md"}, "prop_4")
	if err != nil {
		t.Fatal(err)
	}
	backups := m.ListBackups(10)
	if len(backups) != 1 || backups[0].BackupID != backupID || len(backups[0].Files) != 0 {
		t.Fatalf("escape not skipped: %+v", backups)
	}
}

func TestBackupIDCollisionGetsSuffix(t *testing.T) {
	m, ws := newManager(t)
	writeFile(t, ws.Path("rules", "a.md"), "x")

	first, err := m.Backup([]string{"rules/a.md"}, "prop_5")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Backup([]string{"rules/a.md"}, "prop_5")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("backup ids collided: %s", first)
	}
}

func TestCleanupRemovesExpiredBackups(t *testing.T) {
	m, ws := newManager(t)
	writeFile(t, ws.Path("rules", "a.md"), "x")

	backupID, err := m.Backup([]string{"rules/a.md"}, "prop_6")
	if err != nil {
		t.Fatal(err)
	}
	// Backdate the metadata so the backup looks 40 days old.
	backupDir := filepath.Join(ws.Path("backups"), backupID)
	meta, err := m.readMetadata(backupDir)
	if err != nil {
		t.Fatal(err)
	}
	meta.Timestamp = "2020-01-01T00:00:00"
	if err := m.writeMetadata(backupDir, meta); err != nil {
		t.Fatal(err)
	}

	m.Cleanup(30)
	if got := m.ListBackups(10); len(got) != 0 {
		t.Fatalf("expired backup survived: %+v", got)
	}
}

func TestAutoRollbackCheck(t *testing.T) {
	m, ws := newManager(t)
	rulePath := ws.Path("rules", "a.md")
	writeFile(t, rulePath, "good")

	if _, err := m.Backup([]string{"rules/a.md"}, "prop_7"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, rulePath, "bad")

	// Mild degradation stays put.
	if m.AutoRollbackCheck("prop_7", 0.85, 0.90, 0.20) {
		t.Fatal("rolled back on mild degradation")
	}
	// Collapse triggers the rollback.
	if !m.AutoRollbackCheck("prop_7", 0.30, 0.90, 0.20) {
		t.Fatal("did not roll back on collapse")
	}
	data, _ := os.ReadFile(rulePath)
	if string(data) != "good" {
		t.Fatalf("content after auto rollback: %q", data)
	}
	// The backup is consumed; a second check finds nothing active.
	if m.AutoRollbackCheck("prop_7", 0.30, 0.90, 0.20) {
		t.Fatal("rolled back twice")
	}
}
