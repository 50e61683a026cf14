package tests

import (
	"errors"
	"reflect"
	"testing"

	"schoolplan/plan_review/schema"
)

func TestFormLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("principal1", schema.LevelEditor, "PS 123")
	if err != nil {
		t.Fatal(err)
	}

	form, err := owner.createForm("PS 123")
	if err != nil {
		t.Fatal(err)
	}
	if form.Status != schema.Draft || form.CurrentStep != 1 || len(form.CompletedSteps) != 0 {
		t.Fatalf("unexpected new form state %+v", form)
	}

	res, err := owner.saveStep(form.FormId, 3, true, map[string]interface{}{"policy": "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Completed || !reflect.DeepEqual(res.CompletedSteps, []int{3}) {
		t.Fatalf("unexpected save step result %+v", res)
	}

	// Marking a step complete without any answers should not count it.
	res, err = owner.saveStep(form.FormId, 5, true, map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Completed || !reflect.DeepEqual(res.CompletedSteps, []int{3}) {
		t.Fatalf("empty step should not be completed: %+v", res)
	}

	detail, err := owner.getForm(form.FormId)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Sections) != 15 {
		t.Fatalf("expected 15 sections, got %d", len(detail.Sections))
	}
	for _, section := range detail.Sections {
		if section.Step == 3 && !section.Completed {
			t.Fatal("section 3 should be completed")
		}
		if section.Step != 3 && section.Completed {
			t.Fatalf("section %d should not be completed", section.Step)
		}
	}

	if err := owner.submitForm(form.FormId); err != nil {
		t.Fatal(err)
	}

	forms, err := owner.listForms(schema.Submitted)
	if err != nil {
		t.Fatal(err)
	}
	if len(forms) != 1 || forms[0].SubmittedAt == nil {
		t.Fatalf("expected 1 submitted form with submission time, got %+v", forms)
	}

	// Only draft or rejected plans can be submitted.
	if err := owner.submitForm(form.FormId); !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("resubmitting a submitted plan should fail: %v", err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.reviewForm(form.FormId, "finished", ""); !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("invalid review status should fail: %v", err)
	}

	if err := admin.reviewForm(form.FormId, schema.Rejected, "needs a counseling plan"); err != nil {
		t.Fatal(err)
	}

	notifications, err := owner.notifications()
	if err != nil {
		t.Fatal(err)
	}
	if len(notifications) != 1 || notifications[0].Status != schema.Rejected || notifications[0].ReviewComments != "needs a counseling plan" {
		t.Fatalf("unexpected notifications %+v", notifications)
	}

	// Rejected plans can be fixed up and resubmitted.
	if err := owner.submitForm(form.FormId); err != nil {
		t.Fatal(err)
	}

	if err := admin.reviewForm(form.FormId, schema.Approved, ""); err != nil {
		t.Fatal(err)
	}

	if err := admin.deleteForm(form.FormId); err != nil {
		t.Fatal(err)
	}
	if _, err := owner.getForm(form.FormId); !errors.Is(err, ErrNotFound) {
		t.Fatalf("form should be deleted: %v", err)
	}
}

func TestFormAccessByLevel(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner1", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	staff, err := env.newUser("staff1", schema.LevelStaff, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	form, err := owner.createForm("PS 1")
	if err != nil {
		t.Fatal(err)
	}

	// View only users cannot create plans.
	if _, err := staff.createForm("PS 1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("level 2 user should not be able to create a plan: %v", err)
	}

	// No grant, so even a same school staff member cannot see the plan.
	if _, err := staff.getForm(form.FormId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("staff without a grant should not see the plan: %v", err)
	}

	if err := staff.deleteForm(form.FormId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("level 2 user should not be able to delete a plan: %v", err)
	}

	if err := owner.reviewForm(form.FormId, schema.Approved, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("owner should not be able to review their own plan: %v", err)
	}
}

func TestFormSchoolScoping(t *testing.T) {
	env := setupTestEnv(t)

	ownerA, err := env.newUser("owner_a", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	ownerB, err := env.newUser("owner_b", schema.LevelEditor, "PS 2")
	if err != nil {
		t.Fatal(err)
	}
	reviewerA, err := env.newUser("reviewer_a", schema.LevelPrincipal, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	formA, err := ownerA.createForm("PS 1")
	if err != nil {
		t.Fatal(err)
	}
	formB, err := ownerB.createForm("PS 2")
	if err != nil {
		t.Fatal(err)
	}

	forms, err := reviewerA.listForms("")
	if err != nil {
		t.Fatal(err)
	}
	if len(forms) != 1 || forms[0].FormId != formA.FormId {
		t.Fatalf("school admin should only see their school's plans: %+v", forms)
	}

	if _, err := reviewerA.getForm(formB.FormId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("school admin should not see another school's plan: %v", err)
	}
	if err := reviewerA.reviewForm(formB.FormId, schema.Approved, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("school admin should not review another school's plan: %v", err)
	}
	if err := reviewerA.deleteForm(formB.FormId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("school admin should not delete another school's plan: %v", err)
	}

	// Within their school the admin can review.
	if err := ownerA.submitForm(formA.FormId); err != nil {
		t.Fatal(err)
	}
	if err := reviewerA.reviewForm(formA.FormId, schema.UnderReview, ""); err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	forms, err = admin.listForms("")
	if err != nil {
		t.Fatal(err)
	}
	if len(forms) != 2 {
		t.Fatalf("super admin should see all plans, got %d", len(forms))
	}
}

func TestSaveStepValidation(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner2", schema.LevelEditor, "PS 5")
	if err != nil {
		t.Fatal(err)
	}

	form, err := owner.createForm("PS 5")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := owner.saveStep(form.FormId, 0, true, nil); !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("step 0 should be rejected: %v", err)
	}
	if _, err := owner.saveStep(form.FormId, 16, true, nil); !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("step 16 should be rejected: %v", err)
	}

	// Saving the same data twice only counts one revision.
	data := map[string]interface{}{"answer": "abc"}
	if _, err := owner.saveStep(form.FormId, 2, true, data); err != nil {
		t.Fatal(err)
	}
	if _, err := owner.saveStep(form.FormId, 2, true, data); err != nil {
		t.Fatal(err)
	}

	detail, err := owner.getForm(form.FormId)
	if err != nil {
		t.Fatal(err)
	}
	for _, section := range detail.Sections {
		if section.Step == 2 && section.RevisionCount != 1 {
			t.Fatalf("identical save should not bump revision count, got %d", section.RevisionCount)
		}
	}
}
