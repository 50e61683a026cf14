package tests

import (
	"errors"
	"strings"
	"testing"
	"time"

	"schoolplan/plan_review/schema"
	"schoolplan/plan_review/services"
)

func TestLogin(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("login_user", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	info, err := user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Email != "login_user@mail.com" || info.Level != schema.LevelEditor || info.SchoolName != "PS 1" {
		t.Fatalf("unexpected user info %+v", info)
	}
	if info.LastLogin == nil {
		t.Fatal("last login should be set after logging in")
	}

	// Session info reports when the token runs out.
	var session struct {
		services.UserInfo
		TokenExpiration time.Time `json:"token_expiration"`
	}
	if err := user.Get("/user/info").Do(&session); err != nil {
		t.Fatal(err)
	}
	if !session.TokenExpiration.After(time.Now()) {
		t.Fatalf("token expiration should be in the future, got %v", session.TokenExpiration)
	}

	c := env.newClient()
	if err := c.login(loginInfo{Email: "wrong@mail.com", Password: "login_user_password"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("login should fail with wrong email: %v", err)
	}
	if err := c.login(loginInfo{Email: "login_user@mail.com", Password: "wrong"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("login should fail with wrong password: %v", err)
	}
}

func TestUserActivitySchoolScoped(t *testing.T) {
	env := setupTestEnv(t)

	ownerA, err := env.newUser("activity_a", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	ownerB, err := env.newUser("activity_b", schema.LevelEditor, "PS 2")
	if err != nil {
		t.Fatal(err)
	}
	schoolAdmin, err := env.newUser("activity_admin", schema.LevelPrincipal, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ownerA.createForm("PS 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := ownerB.createForm("PS 2"); err != nil {
		t.Fatal(err)
	}

	records, err := schoolAdmin.userActivity(ownerA.userId)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Fatal("expected activity records for same school user")
	}

	// A school admin cannot read another school's user activity.
	if _, err := schoolAdmin.userActivity(ownerB.userId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross school activity read should be forbidden: %v", err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := admin.userActivity(ownerB.userId); err != nil {
		t.Fatal(err)
	}
}

func TestCreateUserPermissions(t *testing.T) {
	env := setupTestEnv(t)

	editor, err := env.newUser("plain_editor", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	schoolAdmin, err := env.newUser("school_admin", schema.LevelPrincipal, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	if err := editor.createUser("abc", "abc@mail.com", "123", schema.LevelEditor, "PS 1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("level 3 users should not create accounts: %v", err)
	}

	if err := schoolAdmin.createUser("abc", "abc@mail.com", "123", schema.LevelEditor, "PS 1"); err != nil {
		t.Fatal(err)
	}

	// Only super admins can mint administrator accounts.
	if err := schoolAdmin.createUser("xyz", "xyz@mail.com", "123", schema.LevelPrincipal, "PS 1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("school admin should not create administrator accounts: %v", err)
	}

	if err := schoolAdmin.createUser("abc2", "abc@mail.com", "123", schema.LevelEditor, "PS 1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email should fail: %v", err)
	}

	users, err := schoolAdmin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	// The school admin sees their school only: themselves, the editor, and abc.
	if len(users) != 3 {
		t.Fatalf("expected 3 users in school, got %+v", users)
	}
}

func TestBulkUserActions(t *testing.T) {
	env := setupTestEnv(t)

	viewer, err := env.newUser("bulk_viewer", schema.LevelViewer, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	editor, err := env.newUser("bulk_editor", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	results, err := admin.bulkUserAction("level_up", []string{viewer.userId, editor.userId})
	if err != nil {
		t.Fatal(err)
	}
	for _, result := range results {
		if result.Error != "" {
			t.Fatalf("bulk level up failed: %+v", result)
		}
	}

	users, err := admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	levels := make(map[string]int)
	for _, user := range users {
		levels[user.Name] = user.Level
	}
	if levels["bulk_viewer"] != schema.LevelStaff {
		t.Fatalf("viewer should be promoted to level 2, got %d", levels["bulk_viewer"])
	}
	// Bulk promotion never reaches administrator levels.
	if _, err := admin.bulkUserAction("level_up", []string{editor.userId}); err != nil {
		t.Fatal(err)
	}
	if _, err := admin.bulkUserAction("level_up", []string{editor.userId}); err != nil {
		t.Fatal(err)
	}
	users, _ = admin.listUsers()
	for _, user := range users {
		if user.Name == "bulk_editor" && user.Level != schema.LevelPrincipal {
			t.Fatalf("bulk promotion should cap at level 4, got %d", user.Level)
		}
	}

	results, err = admin.bulkUserAction("deactivate", []string{viewer.userId})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Error != "" {
		t.Fatalf("deactivate failed: %+v", results[0])
	}

	c := env.newClient()
	if err := c.login(loginInfo{Email: "bulk_viewer@mail.com", Password: "bulk_viewer_password"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("deactivated user should not log in: %v", err)
	}

	// Admins cannot bulk act on themselves.
	admin2, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	results, err = admin2.bulkUserAction("deactivate", []string{admin2.userId})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Error == "" {
		t.Fatal("bulk action on own account should fail")
	}

	if _, err := admin.bulkUserAction("explode", []string{viewer.userId}); !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("unknown bulk action should fail: %v", err)
	}
}

func TestBulkPromotionBySchoolAdmin(t *testing.T) {
	env := setupTestEnv(t)

	viewer, err := env.newUser("promo_viewer", schema.LevelViewer, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	editor, err := env.newUser("promo_editor", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}
	schoolAdmin, err := env.newUser("promo_admin", schema.LevelPrincipal, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	// A school admin can promote within the non admin levels, but promoting
	// into level 4 stays reserved for super admins, as with create and update.
	results, err := schoolAdmin.bulkUserAction("level_up", []string{viewer.userId, editor.userId})
	if err != nil {
		t.Fatal(err)
	}
	byUser := make(map[string]string)
	for _, result := range results {
		byUser[result.UserId.String()] = result.Error
	}
	if byUser[viewer.userId] != "" {
		t.Fatalf("promoting a level 1 user should succeed: %v", byUser[viewer.userId])
	}
	if byUser[editor.userId] == "" {
		t.Fatal("school admin should not promote a level 3 user to administrator")
	}

	users, err := schoolAdmin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	for _, user := range users {
		if user.Name == "promo_editor" && user.Level != schema.LevelEditor {
			t.Fatalf("level 3 user should be unchanged, got %d", user.Level)
		}
		if user.Name == "promo_viewer" && user.Level != schema.LevelStaff {
			t.Fatalf("level 1 user should be promoted to 2, got %d", user.Level)
		}
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := admin.bulkUserAction("level_up", []string{editor.userId}); err != nil {
		t.Fatal(err)
	}
	users, _ = admin.listUsers()
	for _, user := range users {
		if user.Name == "promo_editor" && user.Level != schema.LevelPrincipal {
			t.Fatalf("super admin promotion to level 4 should succeed, got %d", user.Level)
		}
	}
}

func TestDeleteUserReassignsForms(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("departing", schema.LevelEditor, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	form, err := owner.createForm("PS 1")
	if err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.deleteUser(owner.userId); err != nil {
		t.Fatal(err)
	}

	// The plan survives under the acting admin's ownership.
	detail, err := admin.getForm(form.FormId)
	if err != nil {
		t.Fatal(err)
	}
	if detail.PrincipalEmail != adminEmail {
		t.Fatalf("plan should be reassigned to the admin, got %v", detail.PrincipalEmail)
	}

	if _, err := owner.userInfo(); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deleted user's session should be invalid: %v", err)
	}
}

func TestBulkImport(t *testing.T) {
	env := setupTestEnv(t)

	schoolAdmin, err := env.newUser("import_admin", schema.LevelPrincipal, "PS 1")
	if err != nil {
		t.Fatal(err)
	}

	csvData := strings.Join([]string{
		"name,email,level,school_name,title",
		"Alice A,alice@mail.com,3,PS 10,Principal",
		"Bob B,bob@mail.com,2,PS 10,Teacher",
		"Carol C,carol@mail.com,4,PS 11,Superintendent",
	}, "\n")

	// Only super admins can run imports.
	err = schoolAdmin.Post("/user/bulk-import").Body(strings.NewReader(csvData)).Do(nil)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("school admin should not bulk import: %v", err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	var result services.ImportResult
	if err := admin.Post("/user/bulk-import").Body(strings.NewReader(csvData)).Do(&result); err != nil {
		t.Fatal(err)
	}
	if result.SuccessCount != 3 || result.ErrorCount != 0 {
		t.Fatalf("unexpected import result %+v", result)
	}

	// Re-importing the same rows fails per row, not as a batch.
	if err := admin.Post("/user/bulk-import").Body(strings.NewReader(csvData)).Do(&result); err != nil {
		t.Fatal(err)
	}
	if result.SuccessCount != 0 || result.ErrorCount != 3 {
		t.Fatalf("duplicate import should fail every row: %+v", result)
	}
	if result.SuccessCount+result.ErrorCount != 3 {
		t.Fatalf("import counts should cover every row: %+v", result)
	}

	badCsv := strings.Join([]string{
		"name,email,level,school_name,title",
		"Dave D,dave@mail.com,9,PS 10,Teacher",
		",erin@mail.com,2,PS 10,Teacher",
	}, "\n")
	err = admin.Post("/user/bulk-import").Body(strings.NewReader(badCsv)).Do(nil)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("structurally invalid rows should fail the request: %v", err)
	}

	err = admin.Post("/user/bulk-import").Body(strings.NewReader("not,a,valid,header\n")).Do(nil)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("invalid header should fail the request: %v", err)
	}
}
