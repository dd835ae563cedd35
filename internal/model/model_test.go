package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageVisibleAt(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	expires := created.Add(60 * time.Second)
	msg := Message{CreatedAt: created, ExpiresAt: &expires}

	assert.True(t, msg.VisibleAt(created.Add(30*time.Second)))
	assert.False(t, msg.VisibleAt(expires))
	assert.False(t, msg.VisibleAt(created.Add(90*time.Second)))

	msg.ExpiresAt = nil
	assert.True(t, msg.VisibleAt(created.Add(24*time.Hour)))
}

func TestMessageAttachment(t *testing.T) {
	var msg Message
	assert.Nil(t, msg.Attachment())

	msg.SetAttachment(&Attachment{URL: "/objects/1/1.png", Name: "a.png", Mime: "image/png", Key: "1/1.png", Size: 10})
	att := msg.Attachment()
	if assert.NotNil(t, att) {
		assert.Equal(t, "image/png", att.Mime)
		assert.Equal(t, "1/1.png", att.Key)
	}

	msg.SetAttachment(nil)
	assert.Nil(t, msg.Attachment())
}

func TestMessagePair(t *testing.T) {
	msg := Message{SenderID: 1, ReceiverID: 2}
	assert.True(t, msg.BetweenPair(2, 1))
	assert.False(t, msg.BetweenPair(1, 3))
	assert.Equal(t, uint(2), msg.Counterpart(1))
	assert.Equal(t, uint(1), msg.Counterpart(2))
}

func TestPresenceFreshness(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	target := uint(7)
	p := Presence{UserID: 3, Online: true, LastHeartbeat: now.Add(-30 * time.Second), TypingTo: &target}

	assert.True(t, p.OnlineAt(now, time.Minute))
	assert.True(t, p.TypingToAt(7, now, time.Minute))
	assert.False(t, p.TypingToAt(8, now, time.Minute))

	later := now.Add(45 * time.Second)
	assert.False(t, p.OnlineAt(later, time.Minute))
	assert.False(t, p.TypingToAt(7, later, time.Minute))
}

func TestValidReportReason(t *testing.T) {
	assert.True(t, ValidReportReason(ReportReasonSpam))
	assert.True(t, ValidReportReason("other"))
	assert.False(t, ValidReportReason("rude"))
	assert.False(t, ValidReportReason(""))
}
