package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Payload типизированные данные сообщения, набор вариантов закрыт
type Payload interface {
	payloadType() MessageType
}

type LinkPayload struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

type ContactPayload struct {
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	UserID uint   `json:"userId,omitempty"`
}

type PollPayload struct {
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	MultipleChoice bool     `json:"multipleChoice"`
}

type EventPayload struct {
	Title    string     `json:"title"`
	StartsAt time.Time  `json:"startsAt"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`
	Location string     `json:"location,omitempty"`
}

// SystemAction событие, о котором сообщает системное сообщение
type SystemAction string

const (
	SystemChatCreated        SystemAction = "chat_created"
	SystemParticipantAdded   SystemAction = "participant_added"
	SystemParticipantRemoved SystemAction = "participant_removed"
	SystemParticipantLeft    SystemAction = "participant_left"
	SystemChatRenamed        SystemAction = "chat_renamed"
	SystemChatArchived       SystemAction = "chat_archived"
)

type SystemPayload struct {
	Action    SystemAction `json:"action"`
	ActorID   uint         `json:"actorId"`
	TargetIDs []uint       `json:"targetIds,omitempty"`
}

type AnnouncementPayload struct {
	AnnouncementID uint   `json:"announcementId"`
	Priority       string `json:"priority,omitempty"`
}

func (LinkPayload) payloadType() MessageType         { return MessageTypeLink }
func (LocationPayload) payloadType() MessageType     { return MessageTypeLocation }
func (ContactPayload) payloadType() MessageType      { return MessageTypeContact }
func (PollPayload) payloadType() MessageType         { return MessageTypePoll }
func (EventPayload) payloadType() MessageType        { return MessageTypeEvent }
func (SystemPayload) payloadType() MessageType       { return MessageTypeSystem }
func (AnnouncementPayload) payloadType() MessageType { return MessageTypeAnnouncement }

// MessagePayload обертка для хранения и сериализации варианта: {"kind": ..., "data": ...}
type MessagePayload struct {
	Value Payload
}

func NewPayload(p Payload) MessagePayload {
	return MessagePayload{Value: p}
}

func (mp MessagePayload) IsZero() bool {
	return mp.Value == nil
}

type payloadEnvelope struct {
	Kind MessageType     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func (mp MessagePayload) MarshalJSON() ([]byte, error) {
	if mp.Value == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(mp.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Kind: mp.Value.payloadType(), Data: data})
}

func (mp *MessagePayload) UnmarshalJSON(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		mp.Value = nil
		return nil
	}

	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var p Payload
	switch env.Kind {
	case MessageTypeLink:
		var v LinkPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case MessageTypeLocation:
		var v LocationPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case MessageTypeContact:
		var v ContactPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case MessageTypePoll:
		var v PollPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case MessageTypeEvent:
		var v EventPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case MessageTypeSystem:
		var v SystemPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case MessageTypeAnnouncement:
		var v AnnouncementPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	default:
		return fmt.Errorf("unknown payload kind %q", env.Kind)
	}

	mp.Value = p
	return nil
}

// ValidatePayload сверяет тип сообщения и вариант данных
func ValidatePayload(t MessageType, mp MessagePayload) error {
	p := mp.Value

	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeDocument, MessageTypeAudio, MessageTypeVideo:
		if p != nil {
			return fmt.Errorf("%s message cannot carry a payload", t)
		}
		return nil
	case MessageTypeLink:
		if p == nil {
			return nil
		}
		link, ok := p.(LinkPayload)
		if !ok {
			return mismatch(t, p)
		}
		if strings.TrimSpace(link.URL) == "" {
			return fmt.Errorf("link payload requires url")
		}
		return nil
	case MessageTypeLocation:
		loc, ok := p.(LocationPayload)
		if !ok {
			return mismatch(t, p)
		}
		if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
			return fmt.Errorf("location out of range")
		}
		return nil
	case MessageTypeContact:
		contact, ok := p.(ContactPayload)
		if !ok {
			return mismatch(t, p)
		}
		if strings.TrimSpace(contact.Name) == "" {
			return fmt.Errorf("contact payload requires name")
		}
		return nil
	case MessageTypePoll:
		poll, ok := p.(PollPayload)
		if !ok {
			return mismatch(t, p)
		}
		if strings.TrimSpace(poll.Question) == "" || len(poll.Options) < 2 {
			return fmt.Errorf("poll requires a question and at least 2 options")
		}
		return nil
	case MessageTypeEvent:
		ev, ok := p.(EventPayload)
		if !ok {
			return mismatch(t, p)
		}
		if strings.TrimSpace(ev.Title) == "" || ev.StartsAt.IsZero() {
			return fmt.Errorf("event requires title and start time")
		}
		if ev.EndsAt != nil && ev.EndsAt.Before(ev.StartsAt) {
			return fmt.Errorf("event ends before it starts")
		}
		return nil
	case MessageTypeSystem:
		if _, ok := p.(SystemPayload); !ok {
			return mismatch(t, p)
		}
		return nil
	case MessageTypeAnnouncement:
		if _, ok := p.(AnnouncementPayload); !ok {
			return mismatch(t, p)
		}
		return nil
	}
	return fmt.Errorf("unknown message type %q", t)
}

func mismatch(t MessageType, p Payload) error {
	if p == nil {
		return fmt.Errorf("%s message requires a payload", t)
	}
	return fmt.Errorf("%s message cannot carry a %s payload", t, p.payloadType())
}
