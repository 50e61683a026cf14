package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"schoolplan/plan_review/schema"
	"schoolplan/plan_review/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrBadRequest    = errors.New("bad request")
	ErrUnprocessable = errors.New("unprocessable")
	ErrConflict      = errors.New("conflict")
)

func statusError(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		if err := statusError(res.StatusCode); err != nil {
			return fmt.Errorf("%w: %v request to endpoint %v, content '%v'", err, r.method, r.endpoint, w.Body.String())
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

// DoRaw returns the raw response body, for non json endpoints.
func (r *httpTestRequest) DoRaw() ([]byte, error) {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return nil, fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		if err := statusError(res.StatusCode); err != nil {
			return nil, fmt.Errorf("%w: %v request to endpoint %v, content '%v'", err, r.method, r.endpoint, w.Body.String())
		}
		return nil, fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	return w.Body.Bytes(), nil
}

type client struct {
	api       chi.Router
	authToken string
	userId    string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Get("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]

	return nil
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) createUser(name, email, password string, level int, school string) error {
	body := map[string]interface{}{
		"name": name, "email": email, "password": password,
		"level": level, "school_name": school,
	}
	return c.Post("/user/create").Json(body).Do(nil)
}

func (c *client) listUsers() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/user/list").Do(&res)
	return res, err
}

func (c *client) deleteUser(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v", userId)).Do(nil)
}

func (c *client) userActivity(userId string) ([]schema.ActivityRecord, error) {
	var res []schema.ActivityRecord
	err := c.Get(fmt.Sprintf("/user/%v/activity", userId)).Do(&res)
	return res, err
}

func (c *client) bulkUserAction(action string, userIds []string) ([]services.BulkResult, error) {
	body := map[string]interface{}{"user_ids": userIds, "action": action}
	var res []services.BulkResult
	err := c.Post("/user/bulk").Json(body).Do(&res)
	return res, err
}

func (c *client) createForm(school string) (services.FormInfo, error) {
	var res services.FormInfo
	err := c.Post("/form/create").Json(map[string]string{"school_name": school}).Do(&res)
	return res, err
}

func (c *client) listForms(status string) ([]services.FormInfo, error) {
	endpoint := "/form/list"
	if status != "" {
		endpoint += "?status=" + status
	}
	var res []services.FormInfo
	err := c.Get(endpoint).Do(&res)
	return res, err
}

type formDetail struct {
	services.FormInfo
	Sections []services.SectionInfo `json:"sections"`
}

func (c *client) getForm(formId uuid.UUID) (formDetail, error) {
	var res formDetail
	err := c.Get(fmt.Sprintf("/form/%v", formId)).Do(&res)
	return res, err
}

type saveStepResult struct {
	Step           int   `json:"step"`
	Completed      bool  `json:"completed"`
	CompletedSteps []int `json:"completed_steps"`
}

func (c *client) saveStep(formId uuid.UUID, step int, completed bool, data map[string]interface{}) (saveStepResult, error) {
	body := map[string]interface{}{
		"action": "save_step",
		"step":   step,
		"step_data": map[string]interface{}{
			"completed": completed,
			"data":      data,
		},
	}
	var res saveStepResult
	err := c.Post(fmt.Sprintf("/form/%v/update", formId)).Json(body).Do(&res)
	return res, err
}

func (c *client) submitForm(formId uuid.UUID) error {
	return c.Post(fmt.Sprintf("/form/%v/update", formId)).Json(map[string]string{"action": "submit"}).Do(nil)
}

func (c *client) reviewForm(formId uuid.UUID, status, comments string) error {
	body := map[string]string{"action": "review", "status": status, "comments": comments}
	return c.Post(fmt.Sprintf("/form/%v/update", formId)).Json(body).Do(nil)
}

func (c *client) deleteForm(formId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/form/%v", formId)).Do(nil)
}

func (c *client) notifications() ([]services.NotificationInfo, error) {
	var res []services.NotificationInfo
	err := c.Get("/form/notifications").Do(&res)
	return res, err
}

func (c *client) transferOwnership(formId uuid.UUID, newOwnerEmail, reason string) error {
	body := map[string]interface{}{"form_id": formId, "new_owner_email": newOwnerEmail, "reason": reason}
	return c.Post("/collab/transfer").Json(body).Do(nil)
}

func (c *client) listTransfers() ([]services.TransferInfo, error) {
	var res []services.TransferInfo
	err := c.Get("/collab/transfers").Do(&res)
	return res, err
}

func (c *client) shareForm(formId uuid.UUID, userIds []string, permissions string) ([]services.ShareResult, error) {
	body := map[string]interface{}{"form_id": formId, "user_ids": userIds, "permissions": permissions}
	var res []services.ShareResult
	err := c.Post("/collab/share").Json(body).Do(&res)
	return res, err
}

func (c *client) listCollaborators(formId uuid.UUID) ([]services.CollaboratorInfo, error) {
	var res []services.CollaboratorInfo
	err := c.Get(fmt.Sprintf("/collab/collaborators?form_id=%v", formId)).Do(&res)
	return res, err
}
