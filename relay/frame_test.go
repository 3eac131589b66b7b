package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peersock/crypto"
)

func TestFrame_MarshalRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	frame := &Frame{
		Type:    FrameSend,
		Node:    kp.Public,
		Payload: []byte("datagram"),
	}

	body, err := frame.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalFrame(body)
	require.NoError(t, err)
	assert.Equal(t, frame.Type, parsed.Type)
	assert.Equal(t, frame.Node, parsed.Node)
	assert.Equal(t, frame.Payload, parsed.Payload)
}

func TestFrame_MarshalTooLarge(t *testing.T) {
	frame := &Frame{
		Type:    FrameSend,
		Payload: make([]byte, MaxPayloadSize+1),
	}

	_, err := frame.Marshal()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestUnmarshalFrame_TooShort(t *testing.T) {
	_, err := UnmarshalFrame([]byte{0x01})
	assert.Error(t, err)
}

// handshakePipe runs both handshake sides over an in-memory pipe.
func handshakePipe(t *testing.T, clientKP, serverKP *crypto.KeyPair) (*FrameConn, *FrameConn, crypto.NodeID, error) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})

	type clientResult struct {
		fc  *FrameConn
		err error
	}
	clientCh := make(chan clientResult, 1)
	go func() {
		fc, err := ClientHandshake(clientSide, clientKP)
		clientCh <- clientResult{fc, err}
	}()

	serverFC, node, serverErr := ServerHandshake(serverSide, serverKP)
	res := <-clientCh
	if res.err != nil {
		return nil, nil, crypto.NodeID{}, res.err
	}
	if serverErr != nil {
		return nil, nil, crypto.NodeID{}, serverErr
	}
	return res.fc, serverFC, node, nil
}

func TestHandshake_AuthenticatesClient(t *testing.T) {
	clientKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	serverKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	clientFC, serverFC, node, err := handshakePipe(t, clientKP, serverKP)
	require.NoError(t, err)
	assert.Equal(t, clientKP.Public, node)

	// Frames flow both ways through the session ciphers.
	wait := make(chan *Frame, 1)
	go func() {
		f, err := serverFC.ReadFrame()
		if err != nil {
			close(wait)
			return
		}
		wait <- f
	}()

	sent := &Frame{Type: FrameSend, Node: serverKP.Public, Payload: []byte("up")}
	require.NoError(t, clientFC.WriteFrame(sent))

	got := <-wait
	require.NotNil(t, got)
	assert.Equal(t, sent.Payload, got.Payload)

	wait2 := make(chan *Frame, 1)
	go func() {
		f, err := clientFC.ReadFrame()
		if err != nil {
			close(wait2)
			return
		}
		wait2 <- f
	}()

	down := &Frame{Type: FrameRecv, Node: clientKP.Public, Payload: []byte("down")}
	require.NoError(t, serverFC.WriteFrame(down))

	got2 := <-wait2
	require.NotNil(t, got2)
	assert.Equal(t, down.Payload, got2.Payload)
}

func TestVerifyAuth_RejectsMismatchedIdentity(t *testing.T) {
	honest, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	impostor, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	static, err := staticDHKey(honest)
	require.NoError(t, err)

	// The impostor signs the honest node's static key with its own
	// identity: signature verifies, but the static key does not belong
	// to the claimed node.
	sig := impostor.Sign(authPayload(static.Public))
	auth := &Frame{Type: FrameAuth, Node: impostor.Public, Payload: sig[:]}

	err = verifyAuth(auth, static.Public)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestVerifyAuth_RejectsBadSignature(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	static, err := staticDHKey(kp)
	require.NoError(t, err)

	sig := kp.Sign([]byte("something else"))
	auth := &Frame{Type: FrameAuth, Node: kp.Public, Payload: sig[:]}

	err = verifyAuth(auth, static.Public)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "verification failed")
}
