// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the message correlation engine of the bridge.
//
// The same mesh packet is routinely observed several times: by different
// gateways, through the MQTT uplink and the directly attached radio, and
// sometimes out of order. The engine folds every observation of a packet
// into one MessageRecord, mirrors it into the chat room as a single message
// that is edited as reception reports arrive, and links replies and
// reactions to their targets through an ordered chain of resolvers.
//
// Transports never call the engine directly. They submit normalized events
// to a Dispatcher, which drives the engine from a single routine.
package relay
