package security

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TorMesh/internal/codec"
)

const testScheme = "Ed25519"

func newTestCrypto(t *testing.T) *CryptoManager {
	t.Helper()
	cm, err := NewCryptoManager(testScheme)
	require.NoError(t, err)
	_, _, err = cm.GenerateKeys()
	require.NoError(t, err)
	return cm
}

func TestUnknownScheme(t *testing.T) {
	_, err := NewCryptoManager("no-such-scheme")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestSignVerify(t *testing.T) {
	cm, err := NewCryptoManager(testScheme)
	require.NoError(t, err)

	_, err = cm.Sign([]byte("msg"))
	assert.ErrorIs(t, err, ErrNoSigningKey)

	pub, priv, err := cm.GenerateKeys()
	require.NoError(t, err)

	sig, err := cm.Sign([]byte("msg"))
	require.NoError(t, err)
	assert.True(t, cm.Verify([]byte("msg"), sig, pub))
	assert.False(t, cm.Verify([]byte("other"), sig, pub))
	assert.False(t, cm.Verify([]byte("msg"), sig[:10], pub))
	assert.False(t, cm.Verify([]byte("msg"), sig, []byte("bad key")))

	other, err := NewCryptoManager(testScheme)
	require.NoError(t, err)
	require.NoError(t, other.LoadKeys(priv, pub))
	assert.Equal(t, cm.Fingerprint(), other.Fingerprint())
	sig2, err := other.Sign([]byte("msg"))
	require.NoError(t, err)
	assert.True(t, cm.Verify([]byte("msg"), sig2, pub))
}

func TestHashAndNonce(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashData(nil))

	a, err := GenerateNonce()
	require.NoError(t, err)
	b, err := GenerateNonce()
	require.NoError(t, err)
	assert.Len(t, a, NonceSize)
	assert.NotEqual(t, a, b)
}

func TestEnvelopeSignature(t *testing.T) {
	cm := newTestCrypto(t)

	env := codec.NewEnvelope(codec.KindChat, []byte("hello"), 4)
	require.NoError(t, cm.SignEnvelope(env))
	assert.Equal(t, cm.Fingerprint(), env.Sender)
	require.NoError(t, VerifyEnvelope(env))

	// TTL меняется при ретрансляции и не входит в подпись
	env.TTL = 2
	require.NoError(t, VerifyEnvelope(env))

	env.Body = []byte("tampered")
	assert.ErrorIs(t, VerifyEnvelope(env), ErrBadSignature)

	env.Sender = "someone else"
	assert.ErrorIs(t, VerifyEnvelope(env), ErrSenderMismatch)
}

func TestSecureMemory(t *testing.T) {
	sm := NewSecureMemory()
	secret := []byte("top secret")

	buf := sm.Protect(secret)
	assert.Equal(t, secret, buf.Bytes())
	assert.Equal(t, 1, sm.Len())

	// буфер - копия
	secret[0] = 'X'
	assert.Equal(t, byte('t'), buf.Bytes()[0])

	data := buf.data
	sm.Wipe(buf)
	assert.True(t, buf.Wiped())
	assert.Nil(t, buf.Bytes())
	assert.Equal(t, make([]byte, len(data)), data)
	assert.Equal(t, 0, sm.Len())

	sm.Wipe(buf)
	sm.Wipe(nil)

	sm.Protect([]byte("a"))
	sm.Protect([]byte("b"))
	sm.Protect(nil)
	assert.Equal(t, 3, sm.Len())
	sm.WipeAll()
	assert.Equal(t, 0, sm.Len())
}

func TestChannel(t *testing.T) {
	alice := newTestCrypto(t)
	bob := newTestCrypto(t)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	type result struct {
		ch  *Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := NewChannel(c2, ChannelConfig{Crypto: bob, LocalAddress: "bob.onion:12345"})
		done <- result{ch, err}
	}()

	initiator, err := NewChannel(c1, ChannelConfig{Initiator: true, Crypto: alice, LocalAddress: "alice.onion:12345"})
	require.NoError(t, err)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ответчик не завершил рукопожатие")
	}
	require.NoError(t, res.err)
	responder := res.ch

	assert.Equal(t, bob.Fingerprint(), initiator.RemoteFingerprint())
	assert.Equal(t, alice.Fingerprint(), responder.RemoteFingerprint())
	assert.Equal(t, "bob.onion:12345", initiator.RemoteAddress())
	assert.Equal(t, "alice.onion:12345", responder.RemoteAddress())
	assert.Equal(t, testScheme, responder.RemoteScheme())

	payload := bytes.Repeat([]byte("x"), 4096)
	go func() { _ = initiator.Send(payload) }()
	got, err := responder.Receive()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	go func() { _ = responder.Send([]byte("pong")) }()
	got, err = initiator.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)

	require.NoError(t, initiator.Close())
	assert.ErrorIs(t, initiator.Send([]byte("late")), ErrChannelClosed)
}

func TestChannelRejectsForgedIdentity(t *testing.T) {
	alice := newTestCrypto(t)
	bob := newTestCrypto(t)

	// приватный ключ Alice, публичный ключ Bob
	alicePriv, err := NewCryptoManager(testScheme)
	require.NoError(t, err)
	_, privA, err := alicePriv.GenerateKeys()
	require.NoError(t, err)
	forger, err := NewCryptoManager(testScheme)
	require.NoError(t, err)
	require.NoError(t, forger.LoadKeys(privA, alice.PublicKey()))

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	done := make(chan error, 1)
	go func() {
		_, err := NewChannel(c2, ChannelConfig{Crypto: bob})
		done <- err
	}()

	_, err = NewChannel(c1, ChannelConfig{Initiator: true, Crypto: forger})
	assert.Error(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrChannelAuth)
	case <-time.After(5 * time.Second):
		t.Fatal("ответчик не завершился")
	}
}

func TestChannelRequiresKeys(t *testing.T) {
	cm, err := NewCryptoManager(testScheme)
	require.NoError(t, err)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	_, err = NewChannel(c1, ChannelConfig{Initiator: true, Crypto: cm})
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func channelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})

	done := make(chan *Channel, 1)
	go func() {
		ch, err := NewChannel(c2, ChannelConfig{Crypto: newTestCrypto(t), LocalAddress: "bob.onion:12345"})
		assert.NoError(t, err)
		done <- ch
	}()
	initiator, err := NewChannel(c1, ChannelConfig{Initiator: true, Crypto: newTestCrypto(t)})
	require.NoError(t, err)

	select {
	case responder := <-done:
		require.NotNil(t, responder)
		return initiator, responder
	case <-time.After(5 * time.Second):
		t.Fatal("ответчик не завершил рукопожатие")
		return nil, nil
	}
}

func TestChannelSendDeadline(t *testing.T) {
	initiator, _ := channelPair(t)

	// ответчик не читает, запись в net.Pipe блокируется
	start := time.Now()
	err := initiator.SendDeadline([]byte("stalled"), time.Now().Add(200*time.Millisecond))
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestChannelSendDeadlineDelivers(t *testing.T) {
	initiator, responder := channelPair(t)

	go func() { _ = initiator.SendDeadline([]byte("ping"), time.Now().Add(5*time.Second)) }()
	got, err := responder.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, initiator.Close())
	assert.ErrorIs(t, initiator.SendDeadline([]byte("late"), time.Now().Add(time.Second)), ErrChannelClosed)
}

func TestHelloSignatureCoversAddress(t *testing.T) {
	cm := newTestCrypto(t)
	binding := bytes.Repeat([]byte{7}, 32)

	sig, err := cm.Sign(helloMessage(roleInitiator, binding, "honest.onion:12345"))
	require.NoError(t, err)

	assert.True(t, cm.Verify(helloMessage(roleInitiator, binding, "honest.onion:12345"), sig, cm.PublicKey()))
	assert.False(t, cm.Verify(helloMessage(roleInitiator, binding, "attacker.onion:12345"), sig, cm.PublicKey()))
	assert.False(t, cm.Verify(helloMessage(roleResponder, binding, "honest.onion:12345"), sig, cm.PublicKey()))
}

func TestCryptoManagerWipe(t *testing.T) {
	cm := newTestCrypto(t)
	fp := cm.Fingerprint()
	require.True(t, cm.HasKeys())

	cm.Wipe()
	assert.False(t, cm.HasKeys())
	_, err := cm.Sign([]byte("после затирания"))
	assert.ErrorIs(t, err, ErrNoSigningKey)
	assert.Equal(t, fp, cm.Fingerprint())

	assert.NotPanics(t, cm.Wipe)
}
