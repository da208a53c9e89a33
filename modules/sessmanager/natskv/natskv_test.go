package natskv_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	natsctr "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/romshark/shardforms/modules/sessmanager"
	"github.com/romshark/shardforms/modules/sessmanager/natskv"
	"github.com/romshark/shardforms/modules/sesstokgen"
)

type visitorSession struct {
	AccountID string `json:"account_id,omitempty"`
}

var tokGen = sesstokgen.Generator{Length: sesstokgen.DefaultLength}

func setupNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ctx := context.Background()
	ctr, err := natsctr.Run(ctx, "nats:latest")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctr.Terminate(ctx)) })

	url, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	conn, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func newManager(
	t *testing.T, conn *nats.Conn, bucket string,
) *natskv.SessionManager[visitorSession] {
	t.Helper()
	sm, err := natskv.New[visitorSession](conn, tokGen, natskv.Config{
		EncryptionKey: validKey(),
		KVConfig:      nats.KeyValueConfig{Bucket: bucket},
	})
	require.NoError(t, err)
	return sm
}

// kvFor returns a direct KV handle for the given bucket.
func kvFor(t *testing.T, conn *nats.Conn, bucket string) nats.KeyValue {
	t.Helper()
	js, err := conn.JetStream()
	require.NoError(t, err)
	kv, err := js.KeyValue(bucket)
	require.NoError(t, err)
	return kv
}

func validKey() []byte { return []byte("0123456789abcdef") }

func TestNew(t *testing.T) {
	conn := setupNATS(t)

	t.Run("ok default bucket", func(t *testing.T) {
		sm, err := natskv.New[visitorSession](conn, tokGen, natskv.Config{
			EncryptionKey: validKey(),
		})
		require.NoError(t, err)
		require.NotNil(t, sm)
		_ = kvFor(t, conn, natskv.DefaultBucket)
	})

	t.Run("ok existing bucket", func(t *testing.T) {
		js, err := conn.JetStream()
		require.NoError(t, err)
		_, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: "EXISTING"})
		require.NoError(t, err)
		_ = newManager(t, conn, "EXISTING")
	})

	t.Run("err primary key wrong length", func(t *testing.T) {
		_, err := natskv.New[visitorSession](conn, tokGen, natskv.Config{
			EncryptionKey: []byte("short"),
		})
		require.ErrorIs(t, err, natskv.ErrEncryptionKeyLen)
	})

	t.Run("err previous key wrong length", func(t *testing.T) {
		_, err := natskv.New[visitorSession](conn, tokGen, natskv.Config{
			EncryptionKey:          validKey(),
			PreviousEncryptionKeys: [][]byte{[]byte("bad")},
		})
		require.ErrorIs(t, err, natskv.ErrEncryptionKeyLen)
	})
}

func TestCreateSession(t *testing.T) {
	conn := setupNATS(t)
	sm := newManager(t, conn, "CREATE")
	ctx := context.Background()

	token, err := sm.CreateSession(ctx, "01J9Z3VISITOR", visitorSession{})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	sess, err := sm.Session(ctx, token)
	require.NoError(t, err)
	require.Equal(t, visitorSession{}, sess)

	_, err = sm.CreateSession(ctx, "", visitorSession{})
	require.ErrorIs(t, err, natskv.ErrEmptyVisitorID)
}

type fixedTokGen string

func (g fixedTokGen) Generate() (string, error) { return string(g), nil }

func TestCreateSessionUnsafeToken(t *testing.T) {
	conn := setupNATS(t)
	ctx := context.Background()

	f := func(expect error, tok string) {
		t.Helper()
		sm, err := natskv.New[visitorSession](conn, fixedTokGen(tok), natskv.Config{
			EncryptionKey: validKey(),
			KVConfig:      nats.KeyValueConfig{Bucket: "UNSAFE"},
		})
		require.NoError(t, err)
		_, err = sm.CreateSession(ctx, "v", visitorSession{})
		require.ErrorIs(t, err, expect)
	}

	f(natskv.ErrEmptySessionID, "")
	f(natskv.ErrUnsafeSessionID, "a.b")
	f(natskv.ErrUnsafeSessionID, "a*")
	f(natskv.ErrUnsafeSessionID, ">")
}

func TestSaveSession(t *testing.T) {
	conn := setupNATS(t)
	sm := newManager(t, conn, "SAVE")
	ctx := context.Background()

	token, err := sm.CreateSession(ctx, "v1", visitorSession{})
	require.NoError(t, err)

	signedIn := visitorSession{AccountID: "alice.testnet"}
	require.NoError(t, sm.SaveSession(ctx, token, signedIn))

	got, err := sm.Session(ctx, token)
	require.NoError(t, err)
	require.Equal(t, signedIn, got)

	// Signing out is saving an empty account.
	require.NoError(t, sm.SaveSession(ctx, token, visitorSession{}))
	got, err = sm.Session(ctx, token)
	require.NoError(t, err)
	require.Equal(t, visitorSession{}, got)
}

func TestSaveSessionClosed(t *testing.T) {
	conn := setupNATS(t)
	sm := newManager(t, conn, "SAVE_CLOSED")
	ctx := context.Background()

	token, err := sm.CreateSession(ctx, "v1", visitorSession{})
	require.NoError(t, err)
	require.NoError(t, sm.CloseSession(ctx, token))

	err = sm.SaveSession(ctx, token, visitorSession{AccountID: "alice.testnet"})
	require.ErrorIs(t, err, sessmanager.ErrSessionNotFound)

	err = sm.SaveSession(ctx, "!!!bad!!!", visitorSession{})
	require.Error(t, err)
}

func TestSessionBadJSON(t *testing.T) {
	conn := setupNATS(t)
	sm := newManager(t, conn, "SESS_BADJSON")
	ctx := context.Background()

	token, err := sm.CreateSession(ctx, "v1", visitorSession{})
	require.NoError(t, err)

	kv := kvFor(t, conn, "SESS_BADJSON")
	keys, err := kv.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	_, err = kv.Put(keys[0], []byte("{invalid"))
	require.NoError(t, err)

	_, err = sm.Session(ctx, token)
	require.Error(t, err)

	_, _, _, ok, err := sm.ReadSessionFromCookie(&http.Cookie{Value: token})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadSessionFromCookie(t *testing.T) {
	conn := setupNATS(t)
	sm := newManager(t, conn, "READ")
	ctx := context.Background()

	token, err := sm.CreateSession(ctx, "carol-visitor",
		visitorSession{AccountID: "carol.testnet"})
	require.NoError(t, err)

	staleTok, err := sm.CreateSession(ctx, "old", visitorSession{})
	require.NoError(t, err)
	require.NoError(t, sm.CloseSession(ctx, staleTok))

	tests := map[string]struct {
		cookie *http.Cookie
		wantOK bool
	}{
		"nil cookie":     {cookie: nil},
		"empty value":    {cookie: &http.Cookie{Value: ""}},
		"invalid base64": {cookie: &http.Cookie{Value: "!!!bad!!!"}},
		"wrong encryption key": {
			cookie: &http.Cookie{Value: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
		},
		"stale session": {cookie: &http.Cookie{Value: staleTok}},
		"valid session": {cookie: &http.Cookie{Value: token}, wantOK: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sess, retTok, vid, ok, err := sm.ReadSessionFromCookie(tc.cookie)
			require.NoError(t, err)
			require.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				require.Equal(t, "carol-visitor", vid)
				require.Equal(t, token, retTok)
				require.Equal(t, "carol.testnet", sess.AccountID)
			}
		})
	}
}

func TestCloseSession(t *testing.T) {
	conn := setupNATS(t)
	sm := newManager(t, conn, "CLOSE")
	ctx := context.Background()

	token, err := sm.CreateSession(ctx, "v1", visitorSession{})
	require.NoError(t, err)

	require.NoError(t, sm.CloseSession(ctx, token))
	_, err = sm.Session(ctx, token)
	require.ErrorIs(t, err, sessmanager.ErrSessionNotFound)

	// Closing twice is a no-op.
	require.NoError(t, sm.CloseSession(ctx, token))

	require.Error(t, sm.CloseSession(ctx, "!!!bad!!!"))
}

func TestKeyRotation(t *testing.T) {
	conn := setupNATS(t)
	oldKey := []byte("oldkey0123456789")
	newKey := []byte("newkey0123456789")
	ctx := context.Background()

	smOld, err := natskv.New[visitorSession](conn, tokGen, natskv.Config{
		EncryptionKey: oldKey,
		KVConfig:      nats.KeyValueConfig{Bucket: "ROTATE"},
	})
	require.NoError(t, err)
	token, err := smOld.CreateSession(ctx, "alice-visitor",
		visitorSession{AccountID: "alice.testnet"})
	require.NoError(t, err)

	smNew, err := natskv.New[visitorSession](conn, tokGen, natskv.Config{
		EncryptionKey:          newKey,
		PreviousEncryptionKeys: [][]byte{oldKey},
		KVConfig:               nats.KeyValueConfig{Bucket: "ROTATE"},
	})
	require.NoError(t, err)

	sess, _, vid, ok, err := smNew.ReadSessionFromCookie(&http.Cookie{Value: token})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice-visitor", vid)
	require.Equal(t, "alice.testnet", sess.AccountID)
}

func TestDecryptShortCiphertext(t *testing.T) {
	conn := setupNATS(t)
	sm := newManager(t, conn, "SHORT_CT")
	ctx := context.Background()

	shortToken := base64.RawURLEncoding.EncodeToString([]byte("short"))

	_, err := sm.Session(ctx, shortToken)
	require.ErrorIs(t, err, natskv.ErrCiphertextTooShort)

	err = sm.CloseSession(ctx, shortToken)
	require.ErrorIs(t, err, natskv.ErrCiphertextTooShort)
}
