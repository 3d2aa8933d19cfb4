package orchestrator

import (
	"encoding/binary"

	"github.com/nmxmxh/cortex-grid/internal/grid"
)

// Marshal encodes a TaskRequest as task_id(32) ‖ payload_len(u64 LE) ‖
// payload, the body carried by a wire.TagTaskRequest frame (§6).
func (r TaskRequest) Marshal() []byte {
	buf := make([]byte, 0, 32+8+len(r.Payload))
	buf = append(buf, r.TaskID[:]...)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(r.Payload)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, r.Payload...)
	return buf
}

func UnmarshalTaskRequest(buf []byte) (TaskRequest, error) {
	if len(buf) < 40 {
		return TaskRequest{}, grid.Protocol("task request too short", nil)
	}
	var r TaskRequest
	copy(r.TaskID[:], buf[:32])
	n := binary.LittleEndian.Uint64(buf[32:40])
	if uint64(len(buf)-40) < n {
		return TaskRequest{}, grid.Protocol("task request payload truncated", nil)
	}
	r.Payload = buf[40 : 40+n]
	return r, nil
}

// Marshal encodes a TaskAck as task_id(32) ‖ status(u8), per §6.
func (a TaskAck) Marshal() []byte {
	buf := make([]byte, 33)
	copy(buf[:32], a.TaskID[:])
	buf[32] = byte(a.Status)
	return buf
}

func UnmarshalTaskAck(buf []byte) (TaskAck, error) {
	if len(buf) != 33 {
		return TaskAck{}, grid.Protocol("task ack malformed length", nil)
	}
	var a TaskAck
	copy(a.TaskID[:], buf[:32])
	a.Status = AckStatus(buf[32])
	return a, nil
}
