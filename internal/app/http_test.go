package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"assina/api/internal/artifact"
	"assina/api/internal/authpw"
	"assina/api/internal/ratelimit"
	"assina/api/internal/session"
	"assina/api/internal/stamp"
	"assina/api/internal/store"
	"assina/api/internal/verify"
)

type fakeStore struct {
	users  map[string]store.User
	byFP   map[string]string
	docs   map[string]store.SignedDocument
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]store.User),
		byFP:  make(map[string]string),
		docs:  make(map[string]store.SignedDocument),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	u, ok := f.users[email]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByFingerprint(ctx context.Context, fingerprint string) (store.User, error) {
	email, ok := f.byFP[fingerprint]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return f.users[email], nil
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	out := make([]store.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) CountUsers(ctx context.Context) (int, error) {
	return len(f.users), nil
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	f.nextID++
	user.ID = f.nextID
	user.CreatedAt = time.Now()
	f.users[user.Email] = user
	f.byFP[user.CPFFingerprint] = user.Email
	return user, nil
}

func (f *fakeStore) UpdateUser(ctx context.Context, user store.User) error {
	for email, existing := range f.users {
		if existing.ID == user.ID {
			delete(f.users, email)
			delete(f.byFP, existing.CPFFingerprint)
		}
	}
	f.users[user.Email] = user
	f.byFP[user.CPFFingerprint] = user.Email
	return nil
}

func (f *fakeStore) DeleteUser(ctx context.Context, email string) error {
	u, ok := f.users[email]
	if !ok {
		return store.ErrNotFound
	}
	delete(f.users, email)
	delete(f.byFP, u.CPFFingerprint)
	return nil
}

func (f *fakeStore) InsertSignedDocument(ctx context.Context, doc store.SignedDocument) (store.SignedDocument, error) {
	f.nextID++
	doc.ID = f.nextID
	doc.CreatedAt = time.Now()
	f.docs[doc.ShortCode] = doc
	return doc, nil
}

func (f *fakeStore) GetSignedDocumentByCode(ctx context.Context, code string) (store.SignedDocument, error) {
	if doc, ok := f.docs[code]; ok {
		return doc, nil
	}
	// Prefix match, as the postgres LIKE query does.
	for stored, doc := range f.docs {
		if strings.HasPrefix(stored, code) {
			return doc, nil
		}
	}
	return store.SignedDocument{}, store.ErrNotFound
}

func (f *fakeStore) GetSignedDocumentByHash(ctx context.Context, fullHash string) (store.SignedDocument, error) {
	for _, doc := range f.docs {
		if doc.FullHash == fullHash {
			return doc, nil
		}
	}
	return store.SignedDocument{}, store.ErrNotFound
}

func testSealPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 35, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 35; x++ {
			img.Set(x, y, color.RGBA{R: 0, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode seal: %v", err)
	}
	return buf.Bytes()
}

func testUploadPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 600, 800))
	for y := 0; y < 800; y++ {
		for x := 0; x < 600; x++ {
			img.Set(x, y, color.RGBA{R: 245, G: 245, B: 245, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode upload: %v", err)
	}
	return buf.Bytes()
}

func setupServer(t *testing.T) (*httptest.Server, *Service, *fakeStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sessions := session.NewRedisStoreWithClient(client, 30*time.Minute)
	limiter := ratelimit.New(client, 3, 10*time.Minute)

	fs := newFakeStore()
	auth := authpw.NewService(fs, "test-salt")
	artifacts, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	stamper := stamp.NewService(artifacts, testSealPNG(t), "https://assina.example.org")
	verifier := verify.NewService(fs, artifacts)

	service := NewService(fs, sessions, auth, limiter, stamper, verifier, artifacts)
	server := httptest.NewServer(NewHTTPServer(service).Handler())
	t.Cleanup(server.Close)

	return server, service, fs
}

func createTestUser(t *testing.T, service *Service, email, cpf string, admin bool) {
	t.Helper()
	_, err := service.CreateUser(context.Background(), authpw.CreateUserRequest{
		Nome:      "Maria da Silva",
		Email:     email,
		CPF:       cpf,
		Orgao:     "Secretaria de Obras",
		Setor:     "Engenharia",
		Matricula: "12345",
		Cargo:     "Engenheira Civil",
		IsAdmin:   admin,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

type loginSession struct {
	cookie *http.Cookie
	csrf   string
}

func doLogin(t *testing.T, server *httptest.Server, email, cpf string) loginSession {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "cpf": cpf})
	resp, err := http.Post(server.URL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			return loginSession{cookie: c, csrf: payload.CSRFToken}
		}
	}
	t.Fatal("login response set no session cookie")
	return loginSession{}
}

func decodeErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Code
}

func TestLoginAndSession(t *testing.T) {
	server, service, _ := setupServer(t)
	createTestUser(t, service, "maria@prefeitura.gov.br", "529.982.247-25", false)

	sess := doLogin(t, server, "maria@prefeitura.gov.br", "52998224725")
	if sess.csrf == "" {
		t.Fatal("login returned empty csrf token")
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/session", nil)
	req.AddCookie(sess.cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("session request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		User struct {
			Email string `json:"email"`
			CPF   string `json:"cpf"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	if payload.User.Email != "maria@prefeitura.gov.br" {
		t.Errorf("session email = %q", payload.User.Email)
	}
	if payload.User.CPF != "529.982.247-25" {
		t.Errorf("session cpf = %q, want formatted display form", payload.User.CPF)
	}
}

func TestLoginWrongCPF(t *testing.T) {
	server, service, _ := setupServer(t)
	createTestUser(t, service, "maria@prefeitura.gov.br", "529.982.247-25", false)

	body, _ := json.Marshal(map[string]string{"email": "maria@prefeitura.gov.br", "cpf": "11111111111"})
	resp, err := http.Post(server.URL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != "INVALID_CREDENTIALS" {
		t.Errorf("code = %q", code)
	}
}

func TestLoginLockout(t *testing.T) {
	server, service, _ := setupServer(t)
	createTestUser(t, service, "maria@prefeitura.gov.br", "529.982.247-25", false)

	body := func() *bytes.Reader {
		b, _ := json.Marshal(map[string]string{"email": "maria@prefeitura.gov.br", "cpf": "00000000000"})
		return bytes.NewReader(b)
	}
	for i := 0; i < 3; i++ {
		resp, err := http.Post(server.URL+"/login", "application/json", body())
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i, resp.StatusCode)
		}
	}

	// Even the correct CPF is refused while the lockout holds.
	b, _ := json.Marshal(map[string]string{"email": "maria@prefeitura.gov.br", "cpf": "52998224725"})
	resp, err := http.Post(server.URL+"/login", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("locked attempt: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != "LOCKED_OUT" {
		t.Errorf("code = %q", code)
	}
}

func TestMalformedLoginDoesNotCountTowardLockout(t *testing.T) {
	server, service, _ := setupServer(t)
	createTestUser(t, service, "maria@prefeitura.gov.br", "529.982.247-25", false)

	// Exhaust the attempt budget with shape-invalid CPFs.
	for i := 0; i < 3; i++ {
		b, _ := json.Marshal(map[string]string{"email": "maria@prefeitura.gov.br", "cpf": "1234"})
		resp, err := http.Post(server.URL+"/login", "application/json", bytes.NewReader(b))
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i, resp.StatusCode)
		}
	}

	// Valid credentials still work; malformed input burned no budget.
	doLogin(t, server, "maria@prefeitura.gov.br", "52998224725")
}

func TestLogoutRevokesSession(t *testing.T) {
	server, service, _ := setupServer(t)
	createTestUser(t, service, "maria@prefeitura.gov.br", "529.982.247-25", false)
	sess := doLogin(t, server, "maria@prefeitura.gov.br", "52998224725")

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/logout", nil)
	req.AddCookie(sess.cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("logout request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, server.URL+"/session", nil)
	req.AddCookie(sess.cookie)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("session request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status after logout = %d, want 401", resp.StatusCode)
	}
}

func signRequest(t *testing.T, server *httptest.Server, sess loginSession, fileName string, data []byte, csrf string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("arquivo", fileName)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	fields := map[string]string{
		"x": "50", "y": "500", "w": "300", "h": "250",
		"canvas_w": "600", "canvas_h": "800",
		"page":     "1",
		"processo": "2026.08.001234",
	}
	if csrf != "" {
		fields["csrf_token"] = csrf
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/sign", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if sess.cookie != nil {
		req.AddCookie(sess.cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	return resp
}

func TestSignRequiresSession(t *testing.T) {
	server, _, _ := setupServer(t)
	resp := signRequest(t, server, loginSession{}, "doc.png", testUploadPNG(t), "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSignRejectsBadCSRF(t *testing.T) {
	server, service, _ := setupServer(t)
	createTestUser(t, service, "maria@prefeitura.gov.br", "529.982.247-25", false)
	sess := doLogin(t, server, "maria@prefeitura.gov.br", "52998224725")

	resp := signRequest(t, server, sess, "doc.png", testUploadPNG(t), "not-the-token")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != "CSRF_MISMATCH" {
		t.Errorf("code = %q", code)
	}
}

func TestSignVerifyAndDownload(t *testing.T) {
	server, service, fs := setupServer(t)
	createTestUser(t, service, "maria@prefeitura.gov.br", "529.982.247-25", false)
	sess := doLogin(t, server, "maria@prefeitura.gov.br", "52998224725")

	resp := signRequest(t, server, sess, "contrato obra.png", testUploadPNG(t), sess.csrf)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign status = %d, want 200", resp.StatusCode)
	}

	var signed struct {
		Arquivo string `json:"arquivo"`
		CRC     string `json:"crc"`
		SHA256  string `json:"sha256"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		t.Fatalf("decode sign response: %v", err)
	}
	if !strings.HasPrefix(signed.Arquivo, "assinado_contrato_obra_") {
		t.Errorf("arquivo = %q", signed.Arquivo)
	}
	if len(signed.CRC) != 10 {
		t.Errorf("crc = %q, want 10 hex chars", signed.CRC)
	}
	if _, ok := fs.docs[signed.CRC]; !ok {
		t.Error("signed document missing from the index")
	}

	verifyResp, err := http.Get(fmt.Sprintf("%s/verify/crc?crc=%s", server.URL, signed.CRC))
	if err != nil {
		t.Fatalf("verify request: %v", err)
	}
	defer verifyResp.Body.Close()
	if verifyResp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, want 200", verifyResp.StatusCode)
	}
	var verified struct {
		Arquivo string `json:"arquivo"`
		SHA256  string `json:"sha256"`
	}
	if err := json.NewDecoder(verifyResp.Body).Decode(&verified); err != nil {
		t.Fatalf("decode verify response: %v", err)
	}
	if verified.Arquivo != signed.Arquivo {
		t.Errorf("verify arquivo = %q, want %q", verified.Arquivo, signed.Arquivo)
	}
	if verified.SHA256 != signed.SHA256 {
		t.Errorf("verify sha256 = %q, want %q", verified.SHA256, signed.SHA256)
	}

	dlResp, err := http.Get(server.URL + "/download/" + signed.Arquivo)
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d, want 200", dlResp.StatusCode)
	}
	if ct := dlResp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
}

func TestSignRejectsUnsupportedFormat(t *testing.T) {
	server, service, _ := setupServer(t)
	createTestUser(t, service, "maria@prefeitura.gov.br", "529.982.247-25", false)
	sess := doLogin(t, server, "maria@prefeitura.gov.br", "52998224725")

	resp := signRequest(t, server, sess, "planilha.xlsx", []byte("not a document"), sess.csrf)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestVerifyUnknownCode(t *testing.T) {
	server, _, _ := setupServer(t)

	resp, err := http.Get(server.URL + "/verify/crc?crc=0123456789")
	if err != nil {
		t.Fatalf("verify request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestVerifyMalformedCode(t *testing.T) {
	server, _, _ := setupServer(t)

	resp, err := http.Get(server.URL + "/verify/crc?crc=..%2Fetc%2Fpasswd")
	if err != nil {
		t.Fatalf("verify request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestDownloadTraversalRejected(t *testing.T) {
	server, _, _ := setupServer(t)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/download/..%2Fsecret.txt", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUsersRequireAdmin(t *testing.T) {
	server, service, _ := setupServer(t)
	createTestUser(t, service, "maria@prefeitura.gov.br", "529.982.247-25", false)
	sess := doLogin(t, server, "maria@prefeitura.gov.br", "52998224725")

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/users", nil)
	req.AddCookie(sess.cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("users request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestUserAdminFlow(t *testing.T) {
	server, service, _ := setupServer(t)
	createTestUser(t, service, "admin@prefeitura.gov.br", "529.982.247-25", true)
	sess := doLogin(t, server, "admin@prefeitura.gov.br", "52998224725")

	create := func(payload map[string]any) *http.Response {
		b, _ := json.Marshal(payload)
		req, _ := http.NewRequest(http.MethodPost, server.URL+"/users", bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-CSRF-Token", sess.csrf)
		req.AddCookie(sess.cookie)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("users request: %v", err)
		}
		return resp
	}

	resp := create(map[string]any{
		"nome": "João Pereira", "email": "joao@prefeitura.gov.br",
		"cpf": "168.995.350-09", "orgao": "Gabinete", "setor": "Juridico",
		"matricula": "777", "cargo": "Procurador",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	// Duplicate email is a conflict.
	resp = create(map[string]any{
		"nome": "Outro", "email": "joao@prefeitura.gov.br",
		"cpf": "111.444.777-35",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	listReq, _ := http.NewRequest(http.MethodGet, server.URL+"/users", nil)
	listReq.AddCookie(sess.cookie)
	listResp, err := http.DefaultClient.Do(listReq)
	if err != nil {
		t.Fatalf("list request: %v", err)
	}
	defer listResp.Body.Close()
	var listing struct {
		Users []struct {
			Email string `json:"email"`
		} `json:"users"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Users) != 2 {
		t.Fatalf("len(users) = %d, want 2", len(listing.Users))
	}

	b, _ := json.Marshal(map[string]string{"email": "joao@prefeitura.gov.br"})
	delReq, _ := http.NewRequest(http.MethodPost, server.URL+"/users/delete", bytes.NewReader(b))
	delReq.Header.Set("Content-Type", "application/json")
	delReq.Header.Set("X-CSRF-Token", sess.csrf)
	delReq.AddCookie(sess.cookie)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("delete request: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", delResp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	server, _, _ := setupServer(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/ready")
	if err != nil {
		t.Fatalf("ready request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d, want 200", resp.StatusCode)
	}
}
