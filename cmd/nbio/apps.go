// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"

	"github.com/bassosimone/nbio"
)

// chunkSize is the size of the reads and writes performed by the apps.
const chunkSize = 8000

// discard reads and throws away everything the peer sends.
func discard(stream *nbio.Stream) {
	var onRecv nbio.RecvFunc
	onRecv = func(s *nbio.Stream, data []byte, err error) {
		if err != nil {
			return
		}
		s.Recv(chunkSize, onRecv)
	}
	stream.Recv(chunkSize, onRecv)
}

// echo sends back everything the peer sends.
func echo(stream *nbio.Stream) {
	var (
		onRecv nbio.RecvFunc
		onSend nbio.SendFunc
	)
	onRecv = func(s *nbio.Stream, data []byte, err error) {
		if err != nil {
			return
		}
		s.Send(data, onSend)
	}
	onSend = func(s *nbio.Stream, data []byte, err error) {
		if err != nil {
			return
		}
		s.Recv(chunkSize, onRecv)
	}
	stream.Recv(chunkSize, onRecv)
}

// source sends an endless sequence of 'A' characters.
func source(stream *nbio.Stream) {
	buffer := bytes.Repeat([]byte("A"), chunkSize)
	var onSend nbio.SendFunc
	onSend = func(s *nbio.Stream, data []byte, err error) {
		if err != nil {
			return
		}
		s.Send(buffer, onSend)
	}
	stream.Send(buffer, onSend)
}
