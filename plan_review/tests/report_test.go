package tests

import (
	"errors"
	"strings"
	"testing"

	"schoolplan/plan_review/schema"
	"schoolplan/plan_review/services"
)

func TestSubmissionsExport(t *testing.T) {
	env := setupTestEnv(t)

	ownerA, err := env.newUser("export_a", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	ownerB, err := env.newUser("export_b", schema.LevelEditor, "PS 2")
	if err != nil {
		t.Fatal(err)
	}
	schoolAdmin, err := env.newUser("export_admin", schema.LevelPrincipal, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	formA, err := ownerA.createForm("PS 1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ownerB.createForm("PS 2"); err != nil {
		t.Fatal(err)
	}

	if _, err := ownerA.saveStep(formA.FormId, 1, true, map[string]interface{}{"x": 1}); err != nil {
		t.Fatal(err)
	}
	if err := ownerA.submitForm(formA.FormId); err != nil {
		t.Fatal(err)
	}

	if err := ownerA.Post("/report/submissions").Json(map[string]string{}).Do(nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("level 3 users should not export reports: %v", err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	data, err := admin.Post("/report/submissions").Json(map[string]string{"format": "csv"}).DoRaw()
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "school_name,principal_name") {
		t.Fatalf("unexpected csv header %v", lines[0])
	}

	// A copy of each csv export lands on the shared disk.
	files, err := env.storage.List("exports/all")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 export copy, got %v", files)
	}

	// School admins only export their own school.
	var rows []services.SubmissionRow
	err = schoolAdmin.Post("/report/submissions").Json(map[string]string{"format": "json"}).Do(&rows)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].SchoolName != "PS 1" {
		t.Fatalf("school admin export should be school scoped: %+v", rows)
	}
	if rows[0].ProgressPercent != 6 {
		t.Fatalf("unexpected progress percent %d", rows[0].ProgressPercent)
	}

	err = admin.Post("/report/submissions").Json(map[string]string{"format": "xml"}).Do(nil)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("invalid format should be rejected: %v", err)
	}
	err = admin.Post("/report/submissions").Json(map[string]string{"start_date": "13/01/2026"}).Do(nil)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("invalid date should be rejected: %v", err)
	}
}

func TestTimeline(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("timeline_owner", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := owner.createForm("PS 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := owner.createForm("PS 1"); err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	var checkpoints []services.TimelineCheckpoint
	if err := admin.Get("/report/timeline").Do(&checkpoints); err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 4 {
		t.Fatalf("expected 4 checkpoints, got %d", len(checkpoints))
	}
	latest := checkpoints[len(checkpoints)-1]
	if latest.DaysAgo != 0 || latest.Total != 2 || latest.StatusCounts[schema.Draft] != 2 {
		t.Fatalf("unexpected latest checkpoint %+v", latest)
	}
	if checkpoints[0].Total != 0 {
		t.Fatalf("30 day old checkpoint should be empty, got %+v", checkpoints[0])
	}
}

func TestPrincipals(t *testing.T) {
	env := setupTestEnv(t)

	if _, err := env.newUser("dir_p1", schema.LevelPrincipal, "PS 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.newUser("dir_p2", schema.LevelPrincipal, "PS 2"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.newUser("dir_e1", schema.LevelEditor, "PS 1"); err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	var principals []services.UserInfo
	if err := admin.Get("/report/principals").Do(&principals); err != nil {
		t.Fatal(err)
	}
	if len(principals) != 2 {
		t.Fatalf("expected 2 principals, got %+v", principals)
	}
	for _, principal := range principals {
		if principal.Level != schema.LevelPrincipal {
			t.Fatalf("directory should only list level 4 users: %+v", principal)
		}
	}
}

func TestTelemetrySummary(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("metrics_owner", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	form, err := owner.createForm("PS 1")
	if err != nil {
		t.Fatal(err)
	}
	if err := owner.submitForm(form.FormId); err != nil {
		t.Fatal(err)
	}

	if err := owner.Get("/telemetry/summary").Do(nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("level 3 users should not read the summary: %v", err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	var summary map[string]int
	if err := admin.Get("/telemetry/summary").Do(&summary); err != nil {
		t.Fatal(err)
	}
	if summary[schema.Submitted] != 1 {
		t.Fatalf("unexpected status summary %+v", summary)
	}

	if err := services.SyncStatusGauges(env.db); err != nil {
		t.Fatal(err)
	}
}
