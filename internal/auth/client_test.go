package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const loginPage = `<!DOCTYPE html>
<html><head><title>CAS Login</title></head>
<body>统一身份认证
<form method="post">
<input type="hidden" name="type" value="username_password"/>
<input type="hidden" name="execution" value="e1s1-flow-token"/>
<input type="hidden" name="_eventId" value="submit"/>
</form></body></html>`

func newTestClient(t *testing.T, loginURL, debugDir string) *Client {
	t.Helper()
	client, err := NewClient(Options{
		LoginURL: loginURL,
		Username: "2025210000",
		Password: "secret",
		Timeout:  time.Second,
		DebugDir: debugDir,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient 失败: %v", err)
	}
	return client
}

func TestExtractLoginForm(t *testing.T) {
	form, err := extractLoginForm([]byte(loginPage))
	if err != nil {
		t.Fatalf("提取隐藏字段失败: %v", err)
	}
	if form.Type != "username_password" {
		t.Fatalf("type 字段错误: %q", form.Type)
	}
	if form.Execution != "e1s1-flow-token" {
		t.Fatalf("execution 字段错误: %q", form.Execution)
	}
	if form.EventID != "submit" {
		t.Fatalf("_eventId 字段错误: %q", form.EventID)
	}
}

func TestExtractLoginFormMissingField(t *testing.T) {
	page := `<html><body><input type="hidden" name="type" value="x"/></body></html>`
	_, err := extractLoginForm([]byte(page))
	if !errors.Is(err, ErrPageStructureChanged) {
		t.Fatalf("缺少隐藏字段应返回 ErrPageStructureChanged, 实际 %v", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	var posted url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, loginPage)
		case http.MethodPost:
			if err := r.ParseForm(); err != nil {
				t.Fatalf("解析登录表单失败: %v", err)
			}
			posted = r.PostForm
			fmt.Fprint(w, "<html><body>welcome</body></html>")
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, "")
	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("登录应成功: %v", err)
	}

	if posted.Get("username") != "2025210000" || posted.Get("password") != "secret" {
		t.Fatalf("凭据未随表单提交: %#v", posted)
	}
	if posted.Get("execution") != "e1s1-flow-token" || posted.Get("_eventId") != "submit" {
		t.Fatalf("CAS 流程字段未回传: %#v", posted)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 登录失败时门户重新渲染登录页
		fmt.Fprint(w, loginPage)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, "")
	if err := client.Login(context.Background()); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("登录被拒绝应返回 ErrInvalidCredentials, 实际 %v", err)
	}
}

func TestLoginPageStructureChangedSavesDebugPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>totally new layout</body></html>")
	}))
	defer srv.Close()

	debugDir := t.TempDir()
	client := newTestClient(t, srv.URL, debugDir)
	if err := client.Login(context.Background()); !errors.Is(err, ErrPageStructureChanged) {
		t.Fatalf("页面结构变化应返回 ErrPageStructureChanged, 实际 %v", err)
	}

	if _, err := os.Stat(filepath.Join(debugDir, debugPageFile)); err != nil {
		t.Fatalf("登录页面应保存以便排查: %v", err)
	}
}

func TestGetTriggersReloginOnExpiredSession(t *testing.T) {
	loggedIn := false
	mux := http.NewServeMux()
	mux.HandleFunc("/cas", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			loggedIn = true
			fmt.Fprint(w, "<html><body>welcome</body></html>")
			return
		}
		fmt.Fprint(w, loginPage)
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		if !loggedIn {
			// 会话失效后门户把数据页渲染成登录页
			fmt.Fprint(w, loginPage)
			return
		}
		fmt.Fprint(w, `{"e":0}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/cas", "")
	body, status, err := client.Get(context.Background(), srv.URL+"/data")
	if err != nil {
		t.Fatalf("过期会话应自动重登录: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", status)
	}
	if string(body) != `{"e":0}` {
		t.Fatalf("重登录后应拿到数据, 实际 %q", body)
	}
}

func TestNeedsLoginClassification(t *testing.T) {
	mustURL := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("解析 URL 失败: %v", err)
		}
		return u
	}

	cases := []struct {
		name   string
		status int
		url    *url.URL
		body   string
		want   bool
	}{
		{"302 redirect", http.StatusFound, mustURL("https://app.example.com/api"), "", true},
		{"final url on login path", http.StatusOK, mustURL("https://app.example.com/login?service=x"), "", true},
		{"final url on auth host", http.StatusOK, mustURL("https://auth.bupt.edu.cn/authserver"), "", true},
		{"body carries marker", http.StatusOK, mustURL("https://app.example.com/api"), "<title>CAS Login</title>", true},
		{"authenticated response", http.StatusOK, mustURL("https://app.example.com/api"), `{"e":0}`, false},
	}

	for _, tc := range cases {
		if got := needsLogin(tc.status, tc.url, []byte(tc.body)); got != tc.want {
			t.Fatalf("%s: needsLogin=%v, 期望 %v", tc.name, got, tc.want)
		}
	}
}
