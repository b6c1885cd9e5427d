package limitless

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// signingChallenge caches the plain-text challenge from /auth/signing-message.
type signingChallenge struct {
	message   string
	fetchedAt time.Time
}

func (s *signingChallenge) expired(now time.Time) bool {
	return now.Sub(s.fetchedAt) >= SigningMessageTTL
}

// session caches a login cookie and the user record it was issued with.
type session struct {
	cookie    string
	user      *UserRecord
	fetchedAt time.Time
}

func (s *session) expired(now time.Time) bool {
	return now.Sub(s.fetchedAt) >= SessionTTL
}

// Session returns a valid session, refreshing it if needed. Refresh is
// single-flight: concurrent callers wait on one in-flight login instead of
// issuing duplicate auth calls.
func (c *Client) Session(ctx context.Context) (*UserRecord, map[string]string, error) {
	c.authMu.Lock()
	sess, challenge := c.sess, c.challenge
	c.authMu.Unlock()

	now := time.Now()
	// A stale signing message invalidates any cookie obtained from it, so
	// both are checked and replaced together.
	if sess != nil && !sess.expired(now) && challenge != nil && !challenge.expired(now) {
		return sess.user, sessionHeaders(sess), nil
	}

	v, err, _ := c.authGroup.Do("session", func() (interface{}, error) {
		return c.refreshSession(ctx)
	})
	if err != nil {
		return nil, nil, err
	}
	fresh := v.(*session)
	return fresh.user, sessionHeaders(fresh), nil
}

// InvalidateSession drops the cached session and challenge. Called on 401s.
func (c *Client) InvalidateSession() {
	c.authMu.Lock()
	c.sess = nil
	c.challenge = nil
	c.authMu.Unlock()
}

func sessionHeaders(s *session) map[string]string {
	return map[string]string{
		"Cookie": SessionCookieName + "=" + s.cookie,
	}
}

// refreshSession fetches a signing challenge (reusing a fresh cached one),
// signs it, and logs in. Auth retries use their own backoff, distinct from
// the general transient policy.
func (c *Client) refreshSession(ctx context.Context) (*session, error) {
	message, err := c.signingMessage(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := 500 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay + time.Duration(rand.Int63n(int64(250*time.Millisecond)))):
			}
			delay *= 2
			if delay > 8*time.Second {
				delay = 8 * time.Second
			}
		}

		sess, err := c.login(ctx, message)
		if err == nil {
			c.authMu.Lock()
			c.sess = sess
			c.authMu.Unlock()
			c.log.WithField("account", sess.user.Account).Debug("session refreshed")
			return sess, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		c.log.WithError(err).WithField("attempt", attempt+1).Warn("login failed")
	}
	return nil, fmt.Errorf("authentication failed after retries: %w", lastErr)
}

// signingMessage returns the auth challenge, cached for SigningMessageTTL.
func (c *Client) signingMessage(ctx context.Context) (string, error) {
	c.authMu.Lock()
	cached := c.challenge
	c.authMu.Unlock()

	if cached != nil && !cached.expired(time.Now()) {
		return cached.message, nil
	}

	var lastErr error
	delay := 300 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay + time.Duration(rand.Int63n(int64(250*time.Millisecond)))):
			}
			delay *= 2
			if delay > 8*time.Second {
				delay = 8 * time.Second
			}
		}

		body, status, err := c.doRaw(ctx, "GET", "/auth/signing-message")
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusOK && body != "" {
			c.authMu.Lock()
			c.challenge = &signingChallenge{message: body, fetchedAt: time.Now()}
			c.authMu.Unlock()
			return body, nil
		}
		lastErr = &APIError{StatusCode: status, Path: "/auth/signing-message", Body: body}
		if status != http.StatusTooManyRequests && status < 500 {
			return "", lastErr
		}
	}
	return "", fmt.Errorf("signing message fetch failed: %w", lastErr)
}

// login signs the challenge and exchanges it for a session cookie plus the
// user record carrying the account fee rate.
func (c *Client) login(ctx context.Context, message string) (*session, error) {
	signature, err := c.wallet.SignPersonal(message)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"x-account":         c.wallet.AddressHex(),
		"x-signing-message": "0x" + hex.EncodeToString([]byte(message)),
		"x-signature":       signature,
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := newJSONRequest(ctx, "POST", c.baseURL+"/auth/login", map[string]string{"client": "eoa"}, headers)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Path: "/auth/login"}
	}

	var cookie string
	for _, ck := range resp.Cookies() {
		if ck.Name == SessionCookieName {
			cookie = ck.Value
			break
		}
	}
	if cookie == "" {
		return nil, fmt.Errorf("login response missing %s cookie", SessionCookieName)
	}

	var user UserRecord
	if err := decodeJSON(resp.Body, &user); err != nil {
		return nil, fmt.Errorf("decode user record: %w", err)
	}
	if user.Account == "" {
		return nil, fmt.Errorf("login response missing account address")
	}

	return &session{cookie: cookie, user: &user, fetchedAt: time.Now()}, nil
}
