// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package meshtastic implements the mesh side of the bridge.
//
// Two transports feed the relay engine: an MQTT uplink that receives the
// ServiceEnvelope packets gateways publish to a broker, and a direct TCP
// link to a single radio that can also transmit. Both decode the Meshtastic
// protobufs with protowire rather than generated code, decrypt channel
// traffic with the configured PSK, and hand normalized events to a
// relay.MeshSink.
package meshtastic
