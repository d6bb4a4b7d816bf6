// Command inverter-sim emulates a SAJ H1 inverter on an MQTT broker. It
// answers data_transmission read and write frames from a simulated register
// bank, so the bridge can be exercised without hardware. With
// -embedded-broker it also runs its own broker, giving a self-contained
// test setup.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/protocol"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/pubsub"
)

// simulatedInverter answers register transactions from an in-memory
// register bank.
type simulatedInverter struct {
	serial string
	codec  *protocol.Codec
	logger zerolog.Logger

	mu        sync.Mutex
	registers map[uint16]uint16
}

func newSimulatedInverter(serial string) *simulatedInverter {
	sim := &simulatedInverter{
		serial:    serial,
		codec:     protocol.NewCodec(),
		logger:    log.With().Str("component", "inverter-sim").Logger(),
		registers: make(map[uint16]uint16),
	}
	sim.seedRegisters()
	return sim
}

// seedRegisters fills the register bank with plausible values for every
// block the bridge polls.
func (sim *simulatedInverter) seedRegisters() {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	// Realtime block: a sunny afternoon with the battery charging.
	sim.registers[0x4004] = 2 // working mode: on-grid
	sim.registers[0x4010] = 385
	sim.registers[protocol.RegRealtimeSystemLoadPower] = 650
	sim.registers[protocol.RegRealtimeSmartMeter1] = toWord(-1800)
	sim.registers[protocol.RegRealtimePVPower] = 3200
	sim.registers[protocol.RegRealtimeBatteryPower] = toWord(-750)
	sim.registers[protocol.RegRealtimeInverterPower] = 2450
	sim.registers[protocol.RegRealtimeSmartMeter2] = 0
	sim.registers[0x406F] = 8500 // battery soc 85.00%

	// Grid measurements.
	sim.registers[0x4031] = 2302 // voltage 230.2 V
	sim.registers[0x4032] = 105  // current
	sim.registers[0x4033] = 5001 // frequency 50.01 Hz

	// Lifetime energy counters, u32 word pairs scaled 0.01.
	sim.setDword(0x40BF, 1482133) // energy pv
	sim.setDword(0x40C7, 310540)  // energy battery charged
	sim.setDword(0x40CF, 289761)  // energy battery discharged

	// Inverter info block: serial at byte offset 6, 20 bytes.
	sim.registers[protocol.RegInverterDataStart+1] = 0x0102 // firmware
	sim.setString(protocol.RegInverterDataStart+3, sim.serial, 20)
	sim.setString(protocol.RegInverterDataStart+13, "H1-5K-S2", 10)

	// Battery pack block.
	sim.setString(protocol.RegBatteryDataStart, "B1S2602J2119E00001", 16)
	sim.setString(protocol.RegBatteryDataStart+20, "B1S2602J2119E00002", 16)

	// Battery controller block.
	sim.registers[protocol.RegBatteryControllerDataStart+2] = 8500 // soc
	sim.registers[protocol.RegBatteryControllerDataStart+3] = 9900 // soh

	// Config block.
	sim.registers[protocol.RegAppMode] = uint16(protocol.AppModeSelfUse)
	sim.registers[protocol.RegGridChargePowerLimit] = 5000
	sim.registers[protocol.RegGridFeedPowerLimit] = 5000
	sim.registers[protocol.RegBatterySocBackup] = 100
	sim.registers[protocol.RegBatterySocHigh] = 100
	sim.registers[protocol.RegBatterySocLow] = 10
}

func (sim *simulatedInverter) setDword(register uint16, value uint32) {
	sim.registers[register] = uint16(value >> 16)
	sim.registers[register+1] = uint16(value)
}

func (sim *simulatedInverter) setString(register uint16, s string, byteLen int) {
	raw := make([]byte, byteLen)
	copy(raw, s)
	for i := 0; i < byteLen/2; i++ {
		sim.registers[register+uint16(i)] = binary.BigEndian.Uint16(raw[i*2:])
	}
}

// jitter nudges the realtime power readings so consecutive refreshes differ.
func (sim *simulatedInverter) jitter() {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	wobble := func(register uint16, span int32) {
		current := int32(int16(sim.registers[register]))
		current += rand.Int32N(2*span+1) - span
		sim.registers[register] = toWord(current)
	}
	wobble(protocol.RegRealtimePVPower, 120)
	wobble(protocol.RegRealtimeSystemLoadPower, 60)
	wobble(protocol.RegRealtimeBatteryPower, 80)
	wobble(protocol.RegRealtimeSmartMeter1, 90)
}

// handleFrame decodes one request and returns the response frame, or nil for
// frames the device would silently drop.
func (sim *simulatedInverter) handleFrame(frame []byte) []byte {
	req, err := sim.codec.DecodeRequest(frame)
	if err != nil {
		sim.logger.Warn().Err(err).Msg("Dropping malformed request frame")
		return nil
	}

	switch req.Operation {
	case protocol.OperationRead:
		payload := sim.readBlock(req.Register, req.Argument)
		sim.logger.Debug().
			Uint16("request_id", req.RequestID).
			Str("register", fmt.Sprintf("0x%04x", req.Register)).
			Uint16("count", req.Argument).
			Msg("Serving read")
		return sim.codec.EncodeResponse(req.RequestID, req.Operation, payload)

	case protocol.OperationWrite:
		sim.mu.Lock()
		sim.registers[req.Register] = req.Argument
		sim.mu.Unlock()
		sim.logger.Info().
			Str("register", fmt.Sprintf("0x%04x", req.Register)).
			Uint16("value", req.Argument).
			Msg("Register written")
		echo := make([]byte, 2)
		binary.BigEndian.PutUint16(echo, req.Argument)
		return sim.codec.EncodeResponse(req.RequestID, req.Operation, echo)
	}
	return nil
}

func (sim *simulatedInverter) readBlock(register, count uint16) []byte {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	payload := make([]byte, int(count)*2)
	for i := uint16(0); i < count; i++ {
		binary.BigEndian.PutUint16(payload[i*2:], sim.registers[register+i])
	}
	return payload
}

func toWord(v int32) uint16 {
	return uint16(int16(v)) //nolint:gosec
}

func startEmbeddedBroker(address string) (*mochi.Server, error) {
	broker := mochi.New(&mochi.Options{})
	if err := broker.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "sim", Address: address})
	if err := broker.AddListener(tcp); err != nil {
		return nil, err
	}
	go func() {
		if err := broker.Serve(); err != nil {
			log.Error().Err(err).Msg("Embedded broker stopped")
		}
	}()
	return broker, nil
}

func main() {
	var (
		brokerAddr     = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
		serial         = flag.String("serial", "H1S2602J2119E01121", "Inverter serial number")
		embeddedBroker = flag.Bool("embedded-broker", false, "Run an embedded MQTT broker on the broker address")
		jitterInterval = flag.Duration("jitter", 5*time.Second, "Interval between simulated sensor changes (0 disables)")
		verbose        = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if *embeddedBroker {
		broker, err := startEmbeddedBroker(":" + portOf(*brokerAddr))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start embedded broker")
		}
		defer broker.Close() //nolint:errcheck
		log.Info().Str("address", *brokerAddr).Msg("Embedded broker running")
	}

	sim := newSimulatedInverter(*serial)

	opts := paho.NewClientOptions().
		AddBroker("tcp://" + *brokerAddr).
		SetClientID(fmt.Sprintf("inverter-sim-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetCleanSession(false)
	client := paho.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Str("broker", *brokerAddr).Msg("Failed to connect to broker")
	}
	defer client.Disconnect(250)

	commandTopic := pubsub.Topic(*serial, pubsub.TopicDataTransmission)
	responseTopic := pubsub.Topic(*serial, pubsub.TopicDataTransmissionRsp)

	token := client.Subscribe(commandTopic, 2, func(_ paho.Client, msg paho.Message) {
		rsp := sim.handleFrame(msg.Payload())
		if rsp == nil {
			return
		}
		client.Publish(responseTopic, 2, false, rsp)
	})
	if token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Str("topic", commandTopic).Msg("Failed to subscribe")
	}

	log.Info().
		Str("serial", *serial).
		Str("broker", *brokerAddr).
		Str("topic", commandTopic).
		Msg("Inverter simulator ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *jitterInterval > 0 {
		go func() {
			ticker := time.NewTicker(*jitterInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sim.jitter()
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

// portOf extracts the port from a host:port address, defaulting to 1883.
func portOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i+1:]
		}
	}
	return "1883"
}
