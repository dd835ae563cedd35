package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"im-chat/config"
	"im-chat/internal/chat"
	"im-chat/internal/model"
	"im-chat/internal/repository"
	"im-chat/internal/service"
	"im-chat/pkg/db"
	"im-chat/pkg/jwt"
	"im-chat/pkg/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
}

func newTestServer(t *testing.T, tweaks ...func(*chat.Options)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orm, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, orm.AutoMigrate(model.All()...))
	t.Cleanup(func() {
		if sqlDB, err := orm.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store := repository.NewStore(orm, nil)
	objects, err := storage.NewLocalStore(filepath.Join(t.TempDir(), "objects"), "/objects")
	require.NoError(t, err)
	jwtSvc := jwt.NewJWTService(config.JWTConfig{Secret: "handler-test-secret", ExpireTime: time.Hour, Issuer: "im-chat"})
	opts := chat.DefaultOptions()
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	chatSvc := service.NewChatService(store, objects, opts)

	users := NewUserHandler(service.NewUserService(repository.NewUserRepository(orm), jwtSvc))
	messages := NewMessageHandler(chatSvc)
	moderation := NewModerationHandler(chatSvc)

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.POST("/users/register", users.Register)
	v1.POST("/users/login", users.Login)
	authed := v1.Group("")
	authed.Use(jwtSvc.AuthMiddleware())
	authed.GET("/users/profile", users.GetProfile)
	authed.POST("/messages/send", messages.SendMessage)
	authed.POST("/messages/:message_id/reactions", messages.ToggleReaction)
	authed.GET("/messages/:message_id/attachment", messages.DownloadAttachment)
	authed.GET("/conversations", messages.GetConversations)
	authed.GET("/conversations/:user_id/messages", messages.GetConversation)
	authed.PUT("/blocks/:user_id", moderation.Block)
	authed.POST("/reports", moderation.Report)

	return &testServer{t: t, router: r}
}

func (s *testServer) do(method, path, token string, body interface{}) envelope {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(s.t, http.StatusOK, w.Code)

	var env envelope
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

// register 注册并返回用户ID与token
func (s *testServer) register(name string) (uint, string) {
	s.t.Helper()
	env := s.do(http.MethodPost, "/api/v1/users/register", "", gin.H{
		"username": name, "email": name + "@example.com", "password": "secret-" + name,
	})
	require.Equal(s.t, 0, env.Code, env.Message)
	var data struct {
		User struct {
			ID uint `json:"id"`
		} `json:"user"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(s.t, json.Unmarshal(env.Data, &data))
	return data.User.ID, data.AccessToken
}

func TestRegisterLoginProfile(t *testing.T) {
	s := newTestServer(t)
	id, _ := s.register("alice")

	env := s.do(http.MethodPost, "/api/v1/users/login", "", gin.H{"usernameOrEmail": "alice", "password": "wrong"})
	assert.Equal(t, 403, env.Code)
	assert.Equal(t, "authorization_denied", env.Kind)

	env = s.do(http.MethodPost, "/api/v1/users/login", "", gin.H{"usernameOrEmail": "alice@example.com", "password": "secret-alice"})
	require.Equal(t, 0, env.Code)
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &login))

	env = s.do(http.MethodGet, "/api/v1/users/profile", login.AccessToken, nil)
	require.Equal(t, 0, env.Code)
	var profile struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.Equal(t, id, profile.ID)

	env = s.do(http.MethodGet, "/api/v1/users/profile", "", nil)
	assert.Equal(t, 401, env.Code)
}

func TestSendAndReadConversation(t *testing.T) {
	s := newTestServer(t)
	aliceID, alice := s.register("alice")
	bobID, bob := s.register("bob")

	env := s.do(http.MethodPost, "/api/v1/messages/send", alice, gin.H{"receiver_id": bobID, "body": "hello"})
	require.Equal(t, 0, env.Code, env.Message)
	var sent struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sent))

	env = s.do(http.MethodPost, fmt.Sprintf("/api/v1/messages/%d/reactions", sent.ID), bob, gin.H{"emoji": "👍"})
	require.Equal(t, 0, env.Code, env.Message)

	env = s.do(http.MethodGet, fmt.Sprintf("/api/v1/conversations/%d/messages", aliceID), bob, nil)
	require.Equal(t, 0, env.Code)
	var conv struct {
		Messages []struct {
			Body      string `json:"body"`
			Reactions []struct {
				Emoji string `json:"emoji"`
				Count int    `json:"count"`
			} `json:"reactions"`
		} `json:"messages"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	require.Equal(t, 1, conv.Count)
	assert.Equal(t, "hello", conv.Messages[0].Body)
	require.Len(t, conv.Messages[0].Reactions, 1)
	assert.Equal(t, "👍", conv.Messages[0].Reactions[0].Emoji)

	env = s.do(http.MethodGet, "/api/v1/conversations", bob, nil)
	require.Equal(t, 0, env.Code)
	var dir []struct {
		CounterpartID uint `json:"counterpart_id"`
		Unread        int  `json:"unread"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &dir))
	require.Len(t, dir, 1)
	assert.Equal(t, aliceID, dir[0].CounterpartID)
	assert.Equal(t, 1, dir[0].Unread)
}

func TestSendValidationAndBlock(t *testing.T) {
	s := newTestServer(t)
	aliceID, alice := s.register("alice")
	bobID, bob := s.register("bob")

	env := s.do(http.MethodPost, "/api/v1/messages/send", alice, gin.H{"receiver_id": bobID, "body": "   "})
	assert.Equal(t, 400, env.Code)
	assert.Equal(t, "validation", env.Kind)

	env = s.do(http.MethodPost, "/api/v1/messages/send", alice, gin.H{"receiver_id": 999, "body": "hi"})
	assert.NotEqual(t, 0, env.Code)

	env = s.do(http.MethodPut, fmt.Sprintf("/api/v1/blocks/%d", aliceID), bob, nil)
	require.Equal(t, 0, env.Code, env.Message)

	env = s.do(http.MethodPost, "/api/v1/messages/send", alice, gin.H{"receiver_id": bobID, "body": "still there?"})
	assert.Equal(t, 403, env.Code)

	env = s.do(http.MethodPost, "/api/v1/reports", bob, gin.H{"reported_id": aliceID, "reason": "rude"})
	assert.Equal(t, 400, env.Code)

	env = s.do(http.MethodPost, "/api/v1/reports", bob, gin.H{"reported_id": aliceID, "reason": "Spam"})
	assert.Equal(t, 0, env.Code, env.Message)

	env = s.do(http.MethodPost, "/api/v1/messages/abc/reactions", bob, gin.H{"emoji": "👍"})
	assert.Equal(t, 400, env.Code)
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	s := newTestServer(t)
	_, alice := s.register("alice")
	bobID, bob := s.register("bob")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("receiver_id", fmt.Sprint(bobID)))
	require.NoError(t, mw.WriteField("body", "see file"))
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello attachment"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/send", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Equal(t, 0, env.Code, env.Message)
	var sent struct {
		ID         uint `json:"id"`
		Attachment struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
			Size int64  `json:"size"`
		} `json:"attachment"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	assert.Equal(t, "notes.txt", sent.Attachment.Name)
	assert.Equal(t, "other", sent.Attachment.Kind)
	assert.Equal(t, int64(16), sent.Attachment.Size)

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/messages/%d/attachment", sent.ID), nil)
	req.Header.Set("Authorization", "Bearer "+bob)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello attachment", w.Body.String())
	assert.Equal(t, "attachment; filename=notes.txt", w.Header().Get("Content-Disposition"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

// multipartSend 构造带附件的发送请求
func multipartSend(t *testing.T, token string, to uint, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("receiver_id", fmt.Sprint(to)))
	fw, err := mw.CreateFormFile("file", "big.bin")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/send", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestSendRejectsOversizedBody(t *testing.T) {
	s := newTestServer(t, func(o *chat.Options) { o.MaxAttachmentSize = 1 << 10 })
	_, alice := s.register("alice")
	bobID, bob := s.register("bob")

	decode := func(w *httptest.ResponseRecorder) envelope {
		var env envelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
		return env
	}

	// 声明的长度超限，不读取请求体
	req := multipartSend(t, alice, bobID, []byte("tiny"))
	req.ContentLength = 150 << 20
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	env := decode(w)
	assert.Equal(t, 400, env.Code)
	assert.Equal(t, "validation", env.Kind)

	// 未声明长度时读取到上限即停止
	req = multipartSend(t, alice, bobID, bytes.Repeat([]byte("x"), 2<<20))
	req.ContentLength = -1
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	env = decode(w)
	assert.Equal(t, 400, env.Code)

	// 上限以内的附件仍然可以发送
	req = multipartSend(t, alice, bobID, bytes.Repeat([]byte("x"), 512))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	env = decode(w)
	require.Equal(t, 0, env.Code, env.Message)

	env = s.do(http.MethodGet, "/api/v1/conversations", bob, nil)
	require.Equal(t, 0, env.Code)
	var dir []struct {
		Unread int `json:"unread"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &dir))
	require.Len(t, dir, 1)
	assert.Equal(t, 1, dir[0].Unread, "rejected uploads were not stored")
}
