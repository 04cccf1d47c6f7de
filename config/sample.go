package config

import (
	"io"

	"github.com/juju/errors"
)

// Sample is a commented configuration. With kind set it loads into the
// defaults of every section.
const Sample = `[daemon]
# Name peers look this daemon up by. (default: the kind)
# name = "power"
# One of auth, reservation, power, control.
kind = "power"
# Address to listen on. (default "127.0.0.1:0")
listen = "127.0.0.1:0"
# Address announced to the registry. (default: the bound address)
# advertise = "10.0.0.5:7003"
# How long one accept may block before a shutdown request is noticed.
accept_timeout = "1s"
# How long shutdown waits for busy connections before closing them.
drain_timeout = "30s"
# Bound of synchronous calls made over accepted connections.
call_timeout = "30s"

[tls]
# Serve TLS when set.
# cert_file = "/etc/hen/power.crt"
# key_file = "/etc/hen/power.key"
# CA for peers announced with tls = true. (default: system roots)
# ca_file = "/etc/hen/ca.crt"

[log]
# debug, info, warn or error.
level = "info"
# console or json.
format = "console"

[metrics]
# Prometheus endpoint; disabled when empty.
# listen = "127.0.0.1:9103"

[registry]
# static or etcd.
kind = "static"
# endpoints = ["127.0.0.1:2379"]
dial_timeout = "5s"

# [[registry.peers]]
# name = "auth"
# addr = "127.0.0.1:7001"
# tls = true

[ratelimit]
# Requests per second per daemon; 0 disables.
rate = 0.0
burst = 0

[client]
# round_robin, weighted_random or consistent_hash.
balancer = "round_robin"
pool_size = 4
dial_attempts = 3
dial_delay = "10s"
call_timeout = "10s"

[auth]
session_ttl = "12h0m0s"

# [[auth.users]]
# name = "alice"
# password_hash = "$2a$10$..."

[reservation]
# nodes = ["n1", "n2"]
max_hours = 168
sweep_interval = "1m0s"

[power]
cycle_delay = "2s"

[power.outlets]
n1 = 1

[control]
auth_daemon = "auth"
reservation_daemon = "reservation"
power_daemon = "power"
`

// WriteSample writes Sample to w.
func WriteSample(w io.Writer) error {
	_, err := io.WriteString(w, Sample)
	return errors.Trace(err)
}
