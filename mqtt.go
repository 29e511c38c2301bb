//go:build tinygo

package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"openenterprise/otaflash/config"
	"openenterprise/otaflash/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout  = 10 * time.Second
	mqttRetries  = 3
	tcpBufSize   = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttBufSize  = 256
	responseWait = 5 * time.Second
)

var (
	mqttRxBuf   [tcpBufSize]byte
	mqttTxBuf   [tcpBufSize]byte
	mqttUserBuf [mqttBufSize]byte
	triggerBuf  [mqttBufSize]byte
	triggerLen  int
	gotTrigger  bool
	topicUpdate []byte
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// brokerPoll is one short-lived broker session.
type brokerPoll struct {
	stack  *xnet.StackAsync
	broker netip.AddrPort
	conn   tcp.Conn
	client *mqtt.Client
	log    *slog.Logger
}

// checkUpdateRequest connects to the broker, announces the running version
// on ota/<client>/status and waits briefly for a retained message on the
// update topic. It returns the payload, or nil if none arrived.
func checkUpdateRequest(stack *xnet.StackAsync, brokerAddr netip.AddrPort, logger *slog.Logger) ([]byte, error) {
	gotTrigger = false
	triggerLen = 0
	topicUpdate = []byte(config.UpdateTopic())

	p := &brokerPoll{stack: stack, broker: brokerAddr, log: logger}
	if err := p.open(); err != nil {
		p.close()
		return nil, err
	}
	defer p.close()

	if err := p.subscribe(topicUpdate); err != nil {
		return nil, err
	}
	if err := p.publish([]byte("ota/"+config.ClientID()+"/status"), []byte(version.BuildMarker)); err != nil {
		logger.Warn("mqtt:publish-failed", slog.String("err", err.Error()))
	}
	p.await(responseWait)
	p.client.Disconnect(errors.New("poll complete"))
	if !gotTrigger {
		return nil, nil
	}
	return triggerBuf[:triggerLen], nil
}

// open dials the broker and completes the MQTT handshake.
func (p *brokerPoll) open() error {
	err := p.conn.Configure(tcp.ConnConfig{
		RxBuf:             mqttRxBuf[:],
		TxBuf:             mqttTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}
	p.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
		OnPub:   onMQTTMessage,
	})

	// <client>-<random hex>
	id := make([]byte, 0, 32)
	id = append(id, config.ClientID()...)
	id = append(id, '-')
	id = strconv.AppendUint(id, uint64(uint16(p.stack.Prand32())), 16)
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT(id)

	lport := uint16(p.stack.Prand32()>>17) + 1024
	p.log.Debug("mqtt:dialing", slog.String("broker", p.broker.String()), slog.String("clientid", string(id)))
	rstack := p.stack.StackRetrying(5 * time.Millisecond)
	if err := rstack.DoDialTCP(&p.conn, lport, p.broker, mqttTimeout, mqttRetries); err != nil {
		return err
	}

	p.conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := p.client.StartConnect(&p.conn, &varconn); err != nil {
		return err
	}
	for tries := 0; tries < 50 && !p.client.IsConnected(); tries++ {
		time.Sleep(100 * time.Millisecond)
		if err := p.client.HandleNext(); err != nil {
			p.log.Warn("mqtt:handle-next", slog.String("err", err.Error()))
		}
	}
	if !p.client.IsConnected() {
		return errors.New("mqtt connect timeout")
	}
	return nil
}

func (p *brokerPoll) subscribe(topic []byte) error {
	p.conn.SetDeadline(time.Now().Add(mqttTimeout))
	return p.client.StartSubscribe(mqtt.VariablesSubscribe{
		PacketIdentifier: uint16(p.stack.Prand32()),
		TopicFilters:     []mqtt.SubscribeRequest{{TopicFilter: topic, QoS: mqtt.QoS0}},
	})
}

func (p *brokerPoll) publish(topic, payload []byte) error {
	p.conn.SetDeadline(time.Now().Add(mqttTimeout))
	return p.client.PublishPayload(pubFlags, mqtt.VariablesPublish{
		TopicName:        topic,
		PacketIdentifier: uint16(p.stack.Prand32()),
	}, payload)
}

// await services the connection until a trigger arrives or d passes.
func (p *brokerPoll) await(d time.Duration) {
	for deadline := time.Now().Add(d); !gotTrigger && time.Now().Before(deadline); {
		time.Sleep(100 * time.Millisecond)
		p.conn.SetDeadline(time.Now().Add(2 * time.Second))
		p.client.HandleNext()
	}
}

func (p *brokerPoll) close() {
	closeTCP(&p.conn, 50)
	p.stack.DiscardResolveHardwareAddress6(p.broker.Addr())
}

func onMQTTMessage(pubHead mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
	if !bytes.Equal(varPub.TopicName, topicUpdate) {
		return nil
	}
	n, err := r.Read(triggerBuf[:])
	if err != nil && err != io.EOF {
		return err
	}
	triggerLen = n
	gotTrigger = true
	return nil
}

// mqttLoop polls the broker for update requests until the device reboots.
func mqttLoop(stack *xnet.StackAsync, a *app, logger *slog.Logger) {
	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Error("config:broker-invalid", slog.String("err", err.Error()))
		return
	}
	for {
		payload, err := checkUpdateRequest(stack, brokerAddr, logger)
		switch {
		case err != nil:
			logger.Error("mqtt:failed", slog.String("err", err.Error()))
		case payload != nil:
			logger.Info("mqtt:update-topic", slog.String("payload", string(payload)))
			a.onTrigger(payload)
		}
		time.Sleep(config.MQTTPollInterval)
	}
}
