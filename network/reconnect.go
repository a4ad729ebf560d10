package network

import (
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
)

// scheduleReconnect redials a peer that disconnected unexpectedly (close
// reason other than CloseLocal), using an exponential backoff policy
// instead of a fixed retry table (§5 "Additional ambient concurrency
// helpers"). At most one reconnect loop runs per address at a time.
func (m *ConnectionManager) scheduleReconnect(deviceID, address string) {
	m.reconnectMu.Lock()
	if m.reconnecting[address] {
		m.reconnectMu.Unlock()
		return
	}
	m.reconnecting[address] = true
	m.reconnectMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.reconnectMu.Lock()
			delete(m.reconnecting, address)
			m.reconnectMu.Unlock()
		}()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 2 * time.Second
		policy.MaxInterval = 60 * time.Second
		policy.MaxElapsedTime = 5 * time.Minute

		operation := func() error {
			select {
			case <-m.ctx.Done():
				return backoff.Permanent(m.ctx.Err())
			default:
			}
			if m.hasPeer(deviceID) {
				return nil
			}

			ip, portStr, err := net.SplitHostPort(address)
			if err != nil {
				return backoff.Permanent(err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return backoff.Permanent(err)
			}

			if _, err := m.Connect(ip, port); err != nil {
				return err
			}
			return nil
		}

		if err := backoff.Retry(operation, policy); err != nil {
			m.logger.Printf("reconnect to %s (%s) gave up: %v", deviceID, address, err)
		}
	}()
}
