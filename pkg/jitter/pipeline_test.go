package jitter_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/securevoice/pkg/codec"
	"github.com/arzzra/securevoice/pkg/jitter"
	"github.com/arzzra/securevoice/pkg/network"
	"github.com/arzzra/securevoice/pkg/rtp"
	"github.com/arzzra/securevoice/pkg/srtp"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	config := network.DefaultSocketConfig()
	config.LocalAddr = "127.0.0.1:0"
	conn, err := network.ListenUDP(config)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func silentLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// Два кадра тишины проходят кодек, шифрование, сеть в обратном порядке,
// расшифровку и jitter buffer и воспроизводятся без маскировки
func TestSilenceThroughReversedNetwork(t *testing.T) {
	params, err := srtp.NewStreamParameters(
		bytes.Repeat([]byte{0x11}, srtp.CipherKeySize),
		bytes.Repeat([]byte{0x22}, srtp.MACKeySize),
		bytes.Repeat([]byte{0x33}, srtp.SaltSize),
	)
	require.NoError(t, err)

	senderConn := listenLoopback(t)
	relayConn := listenLoopback(t)
	receiverConn := listenLoopback(t)

	encoder := codec.NewG711(codec.MuLaw)
	require.NoError(t, encoder.Init())
	decoder := codec.NewG711(codec.MuLaw)
	require.NoError(t, decoder.Init())

	sender, err := network.NewSender(network.SenderConfig{
		Conn:        senderConn,
		RemoteAddr:  relayConn.LocalAddr(),
		Parameters:  params,
		PayloadType: encoder.PayloadType(),
		Logger:      silentLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, sender.Init())

	receiver, err := network.NewReceiver(network.ReceiverConfig{
		Conn:           receiverConn,
		Parameters:     params,
		ReceiveTimeout: 20 * time.Millisecond,
		Logger:         silentLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, receiver.Init())

	config := jitter.DefaultConfig()
	config.Decoder = decoder
	config.PayloadType = decoder.PayloadType()
	config.Logger = silentLogger()
	buffer, err := jitter.New(config)
	require.NoError(t, err)
	t.Cleanup(buffer.Stop)

	for i := 0; i < 2; i++ {
		encoded, err := encoder.Encode(make([]int16, codec.FrameSamples))
		require.NoError(t, err)
		require.NoError(t, sender.Send(uint32(i*codec.FrameSamples), encoded))
	}

	// Промежуточный узел переставляет датаграммы
	datagrams := make([][]byte, 0, 2)
	require.NoError(t, relayConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(datagrams) < 2 {
		buf := make([]byte, network.DefaultBufferSize)
		n, _, err := relayConn.ReadFrom(buf)
		require.NoError(t, err)
		datagrams = append(datagrams, buf[:n])
	}
	for i := len(datagrams) - 1; i >= 0; i-- {
		_, err := relayConn.WriteTo(datagrams[i], receiverConn.LocalAddr())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for tick, expected := range []struct {
		logical   int64
		timestamp uint32
	}{{1, 160}, {0, 0}} {
		packet, err := receiver.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, expected.logical, receiver.Statistics().LastLogicalNumber)
		assert.Equal(t, expected.timestamp, packet.Timestamp())
		assert.Equal(t, rtp.PayloadTypePCMU, packet.PayloadType())
		require.NoError(t, buffer.Insert(packet, uint64(tick)))
	}

	for i := 0; i < 2; i++ {
		out := make([]int16, codec.FrameSamples)
		require.Equal(t, codec.FrameSamples, buffer.GetAudio(out))
		assert.Equal(t, make([]int16, codec.FrameSamples), out, "кадр %d", i)
	}

	stats := buffer.Statistics()
	assert.Equal(t, uint64(2), stats.FramesDecoded)
	assert.Equal(t, uint64(0), stats.FramesConcealed)
	assert.Equal(t, uint64(0), stats.PacketsLate)
}
