package discourse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-to-discourse/discourse/discoursetest"
)

func newClient(t *testing.T, address, key string) *Client {
	t.Helper()
	c, err := New(Options{Address: address, APIUsername: "system", APIKey: key, VerifyTLS: true}, nil)
	require.NoError(t, err)
	return c
}

func sessionCookie(c *Client) string {
	for _, cookie := range c.http.Jar.Cookies(c.base) {
		if cookie.Name == SessionCookie {
			return cookie.Value
		}
	}
	return ""
}

func TestNew_Validation(t *testing.T) {
	for _, address := range []string{"", "ftp://forum.example.com", "://bad"} {
		_, err := New(Options{Address: address}, nil)
		assert.Error(t, err, address)
	}
}

func TestConnectAndPing(t *testing.T) {
	srv := discoursetest.NewServer()
	defer srv.Close()

	c := newClient(t, srv.URL, discoursetest.APIKey)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, "session-token", sessionCookie(c))
	require.NoError(t, c.Ping(ctx))
}

func TestConnect_NoCookie(t *testing.T) {
	srv := discoursetest.NewServer()
	defer srv.Close()
	srv.DropSessionCookie()

	err := newClient(t, srv.URL, discoursetest.APIKey).Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestPing_Diagnostics(t *testing.T) {
	srv := discoursetest.NewServer()
	defer srv.Close()
	srv.SetPingStatus(http.StatusServiceUnavailable)

	err := newClient(t, srv.URL, discoursetest.APIKey).Ping(context.Background())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "fake-forum", statusErr.Header.Get("X-Diagnostic"))
	assert.Contains(t, statusErr.Body, "unavailable")
}

func TestPing_WrongKey(t *testing.T) {
	srv := discoursetest.NewServer()
	defer srv.Close()

	err := newClient(t, srv.URL, "wrong").Ping(context.Background())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestUsers(t *testing.T) {
	srv := discoursetest.NewServer()
	defer srv.Close()
	srv.AddUser("system", "no-reply@forum.example.com")
	srv.AddUser("alice", "alice@x.com")

	c := newClient(t, srv.URL, discoursetest.APIKey)
	ctx := context.Background()

	users, err := c.ListActiveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[1].Username)

	email, err := c.UserEmail(ctx, users[1].ID, users[1].Username)
	require.NoError(t, err)
	assert.Equal(t, "alice@x.com", email)

	_, err = c.UserEmail(ctx, 99, "nobody")
	assert.Error(t, err)

	require.NoError(t, c.CreateUser(ctx, NewUser{Name: "Bob", Username: "bob", Email: "bob@y.com", Password: "secret"}))
	err = c.CreateUser(ctx, NewUser{Name: "Bob", Username: "bob", Email: "bob2@y.com", Password: "secret"})
	assert.ErrorContains(t, err, "Username must be unique")

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "user", calls[0].Kind)
	assert.Equal(t, "Bob", calls[0].Form.Get("name"))
	assert.Equal(t, "secret", calls[0].Form.Get("password"))
}

func TestCreatePost(t *testing.T) {
	srv := discoursetest.NewServer()
	defer srv.Close()

	c := newClient(t, srv.URL, discoursetest.APIKey)
	ctx := context.Background()
	created := time.Date(2016, 1, 4, 10, 0, 0, 0, time.UTC)

	topicID, err := c.CreatePost(ctx, Post{CategoryID: 5, Title: "(Migrated) Hello", Raw: "body", CreatedAt: created})
	require.NoError(t, err)

	replyTopic, err := c.CreatePost(ctx, Post{CategoryID: 5, Title: "(Migrated) Re: Hello", Raw: "reply", TopicID: topicID})
	require.NoError(t, err)
	assert.Equal(t, topicID, replyTopic)

	calls := srv.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "topic", calls[0].Kind)
	assert.Equal(t, "5", calls[0].Form.Get("category"))
	assert.Equal(t, "2016-01-04T10:00:00Z", calls[0].Form.Get("created_at"))
	assert.Equal(t, "reply", calls[1].Kind)
}

func TestCreatePost_EnvelopeAndMalformed(t *testing.T) {
	responses := map[string]string{
		"/envelope":  `{"post":{"topic_id":77}}`,
		"/malformed": `not json`,
		"/no-topic":  `{"id":1}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responses[r.URL.Path[:len(r.URL.Path)-len("/posts")]]))
	}))
	defer srv.Close()

	ctx := context.Background()

	id, err := newClient(t, srv.URL+"/envelope", "k").CreatePost(ctx, Post{Title: "t", Raw: "r"})
	require.NoError(t, err)
	assert.Equal(t, 77, id)

	_, err = newClient(t, srv.URL+"/malformed", "k").CreatePost(ctx, Post{Title: "t", Raw: "r"})
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = newClient(t, srv.URL+"/no-topic", "k").CreatePost(ctx, Post{Title: "t", Raw: "r"})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
