package portal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/jgoulah/waterscraper/internal/config"
)

// fakePortal is an httptest double for the SFPUC WebForms portal. Login
/// state lives server-side like the real thing: the session cookie stays
// in the client jar, but expireSession invalidates it so the next request
// bounces back to the login page.
type fakePortal struct {
	t *testing.T

	mu            sync.Mutex
	username      string
	password      string
	loginCount    int
	sessionValid  bool
	availStart    string
	availEnd      string
	data          map[string]string // "01/15/2024" -> download payload
	downloadCount map[string]int
	malformedDays map[string]bool
	failDownloads int  // serve 500 for this many downloads
	expireAfter   int  // expire the session after this many successful downloads
	failLogins    bool // serve 503 from the login endpoints

	server *httptest.Server
}

const loginPageHTML = `<html><body><form>
<input type="hidden" name="__VIEWSTATE" id="__VIEWSTATE" value="vs" />
<input type="hidden" name="__VIEWSTATEGENERATOR" id="__VIEWSTATEGENERATOR" value="gen" />
<input type="hidden" name="__EVENTVALIDATION" id="__EVENTVALIDATION" value="ev" />
<input type="text" id="tb_USER_ID" name="tb_USER_ID" />
<input type="password" id="tb_USER_PSWD" name="tb_USER_PSWD" />
<input type="submit" id="btn_SIGN_IN_BUTTON" name="btn_SIGN_IN_BUTTON" value="Sign in" />
</form></body></html>`

func newFakePortal(t *testing.T) *fakePortal {
	p := &fakePortal{
		t:             t,
		username:      "user@example.com",
		password:      "hunter2",
		availStart:    "Mon, 01 Jan 2024 00:00:00 GMT",
		availEnd:      "Wed, 31 Jan 2024 00:00:00 GMT",
		data:          make(map[string]string),
		downloadCount: make(map[string]int),
		malformedDays: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", p.handleLoginPage)
	mux.HandleFunc("POST /dologin", p.handleLoginPost)
	mux.HandleFunc("GET /account", p.handleAccount)
	mux.HandleFunc("GET /hourly", p.handleHourlyPage)
	mux.HandleFunc("POST /hourly", p.handleDownload)

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

// cfg returns a config pointing at the fake portal
func (p *fakePortal) cfg() *config.Config {
	return &config.Config{
		Credentials: config.Credentials{
			Username: p.username,
			Password: p.password,
		},
		Portal: config.PortalConfig{
			BaseURL:       p.server.URL,
			LoginPagePath: "/login",
			LoginPostPath: "/dologin",
			AccountPath:   "/account",
			HourlyPath:    "/hourly",
		},
	}
}

func (p *fakePortal) logins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginCount
}

func (p *fakePortal) downloads(sd string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloadCount[sd]
}

// expireSession invalidates the server-side session
func (p *fakePortal) expireSession() {
	p.mu.Lock()
	p.sessionValid = false
	p.mu.Unlock()
}

func (p *fakePortal) validSession(r *http.Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := r.Cookie("session")
	return err == nil && c.Value == "ok" && p.sessionValid
}

// seedSession marks the server-side session live and returns the cookie
// a previous browser login would have captured for it
func (p *fakePortal) seedSession() config.Cookie {
	p.mu.Lock()
	p.sessionValid = true
	p.mu.Unlock()
	return config.Cookie{Name: "session", Value: "ok", Path: "/"}
}

func (p *fakePortal) loginsBroken() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failLogins
}

func (p *fakePortal) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if p.loginsBroken() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, loginPageHTML)
}

func (p *fakePortal) handleLoginPost(w http.ResponseWriter, r *http.Request) {
	if p.loginsBroken() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.Form.Get("__VIEWSTATE") != "vs" || r.Form.Get("__EVENTVALIDATION") != "ev" {
		http.Error(w, "missing state fields", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.loginCount++
	if r.Form.Get("tb_USER_ID") == p.username && r.Form.Get("tb_USER_PSWD") == p.password {
		p.sessionValid = true
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok", Path: "/"})
	}
	p.mu.Unlock()

	// The portal redirects identically for good and bad credentials.
	http.Redirect(w, r, "/account", http.StatusFound)
}

func (p *fakePortal) handleAccount(w http.ResponseWriter, r *http.Request) {
	if p.validSession(r) {
		fmt.Fprint(w, "<html><body>Welcome back</body></html>")
		return
	}
	fmt.Fprint(w, loginPageHTML)
}

func (p *fakePortal) handleHourlyPage(w http.ResponseWriter, r *http.Request) {
	if !p.validSession(r) {
		fmt.Fprint(w, loginPageHTML)
		return
	}
	p.mu.Lock()
	availStart, availEnd := p.availStart, p.availEnd
	p.mu.Unlock()
	fmt.Fprintf(w, `<html><body>
<input type="hidden" name="__VIEWSTATE" id="__VIEWSTATE" value="vs" />
<input type="hidden" name="__VIEWSTATEGENERATOR" id="__VIEWSTATEGENERATOR" value="gen" />
<input type="hidden" name="__EVENTVALIDATION" id="__EVENTVALIDATION" value="ev" />
<script>var chart = {"startDate":"%s","endDate":"%s"};</script>
</body></html>`, availStart, availEnd)
}

func (p *fakePortal) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !p.validSession(r) {
		fmt.Fprint(w, loginPageHTML)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	sd := r.Form.Get("SD")

	p.mu.Lock()
	p.downloadCount[sd]++
	if p.failDownloads > 0 {
		p.failDownloads--
		p.mu.Unlock()
		http.Error(w, "backend error", http.StatusInternalServerError)
		return
	}
	payload, ok := p.data[sd]
	malformed := p.malformedDays[sd]
	if p.expireAfter > 0 {
		p.expireAfter--
		if p.expireAfter == 0 {
			p.sessionValid = false
		}
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/vnd.ms-excel")
	if malformed {
		w.Write([]byte("binary garbage\nnot a reading\nstill not a reading\n"))
		return
	}
	if !ok {
		fmt.Fprint(w, "Hour\tConsumption\n")
		return
	}
	fmt.Fprint(w, payload)
}

func testLogger(t *testing.T) *zap.Logger {
	return zap.NewNop()
}
