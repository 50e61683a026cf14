package tests

import (
	"errors"
	"testing"

	"schoolplan/plan_review/schema"

	"github.com/google/uuid"
)

func TestTransferOwnership(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("principal_x", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	newOwner, err := env.newUser("principal_y", schema.LevelPrincipal, "PS 9")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.newUser("editor_z", schema.LevelEditor, "PS 9")
	if err != nil {
		t.Fatal(err)
	}

	form, err := owner.createForm("PS 1")
	if err != nil {
		t.Fatal(err)
	}

	// Only super admins can transfer ownership, even school admins cannot.
	if err := newOwner.transferOwnership(form.FormId, "editor_z@mail.com", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("school admin should not transfer ownership: %v", err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.transferOwnership(form.FormId, "editor_z@mail.com", ""); !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("transfer to a level 3 user should fail: %v", err)
	}
	if err := admin.transferOwnership(form.FormId, "nobody@mail.com", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("transfer to an unknown email should fail: %v", err)
	}

	transfers, err := admin.listTransfers()
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 0 {
		t.Fatalf("failed transfers should not be recorded: %+v", transfers)
	}

	if err := admin.transferOwnership(form.FormId, "principal_y@mail.com", "principal retired"); err != nil {
		t.Fatal(err)
	}

	transfers, err = admin.listTransfers()
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 1 || transfers[0].Reason != "principal retired" {
		t.Fatalf("expected 1 transfer record, got %+v", transfers)
	}
	if transfers[0].ToUserId.String() != newOwner.userId {
		t.Fatalf("transfer record has wrong new owner: %+v", transfers[0])
	}

	// The plan moved to the new owner's school.
	forms, err := newOwner.listForms("")
	if err != nil {
		t.Fatal(err)
	}
	if len(forms) != 1 || forms[0].SchoolName != "PS 9" {
		t.Fatalf("plan should belong to the new owner's school: %+v", forms)
	}

	forms, err = owner.listForms("")
	if err != nil {
		t.Fatal(err)
	}
	if len(forms) != 0 {
		t.Fatalf("previous owner should no longer see the plan: %+v", forms)
	}

	if err := admin.transferOwnership(form.FormId, "principal_y@mail.com", ""); !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("transfer to the current owner should fail: %v", err)
	}
}

func TestShareForm(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner_s", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	staff, err := env.newUser("staff_s", schema.LevelStaff, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	viewer, err := env.newUser("viewer_s", schema.LevelViewer, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	outsider, err := env.newUser("outsider_s", schema.LevelStaff, "PS 2")
	if err != nil {
		t.Fatal(err)
	}
	schoolAdmin, err := env.newUser("admin_s", schema.LevelPrincipal, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	otherAdmin, err := env.newUser("admin_t", schema.LevelPrincipal, "PS 2")
	if err != nil {
		t.Fatal(err)
	}

	form, err := owner.createForm("PS 1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := otherAdmin.shareForm(form.FormId, []string{staff.userId}, schema.EditPerm); !errors.Is(err, ErrForbidden) {
		t.Fatalf("admin of another school should not share the plan: %v", err)
	}

	// Individual grant failures do not abort the batch.
	results, err := schoolAdmin.shareForm(form.FormId, []string{staff.userId, outsider.userId, viewer.userId}, schema.EditPerm)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 share results, got %+v", results)
	}
	byUser := make(map[string]string)
	for _, result := range results {
		byUser[result.UserId.String()] = result.Error
	}
	if byUser[staff.userId] != "" {
		t.Fatalf("share with same school staff should succeed: %v", byUser[staff.userId])
	}
	if byUser[outsider.userId] == "" {
		t.Fatal("share with another school's staff should fail")
	}
	if byUser[viewer.userId] == "" {
		t.Fatal("edit grant for a level 1 user should fail")
	}

	if _, err := schoolAdmin.shareForm(form.FormId, []string{viewer.userId}, schema.ViewPerm); err != nil {
		t.Fatal(err)
	}

	// The edit grant allows saving steps, the view grant does not.
	if _, err := staff.saveStep(form.FormId, 4, true, map[string]interface{}{"done": true}); err != nil {
		t.Fatal(err)
	}
	if _, err := viewer.getForm(form.FormId); err != nil {
		t.Fatal(err)
	}
	if _, err := viewer.saveStep(form.FormId, 4, true, map[string]interface{}{"done": true}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("view grant should not allow editing: %v", err)
	}
	if _, err := outsider.getForm(form.FormId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("user without a grant should not see the plan: %v", err)
	}

	collaborators, err := schoolAdmin.listCollaborators(form.FormId)
	if err != nil {
		t.Fatal(err)
	}
	if len(collaborators) != 2 {
		t.Fatalf("expected 2 collaborators, got %+v", collaborators)
	}

	// A view grant only reveals the caller's own assignment.
	collaborators, err = viewer.listCollaborators(form.FormId)
	if err != nil {
		t.Fatal(err)
	}
	if len(collaborators) != 1 || collaborators[0].UserId != mustUUID(t, viewer.userId) {
		t.Fatalf("viewer should only see their own grant: %+v", collaborators)
	}

	// Regranting replaces the earlier assignment rather than stacking.
	if _, err := schoolAdmin.shareForm(form.FormId, []string{staff.userId}, schema.ViewPerm); err != nil {
		t.Fatal(err)
	}
	if _, err := staff.saveStep(form.FormId, 4, true, map[string]interface{}{"done": true}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("downgraded grant should not allow editing: %v", err)
	}
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}
