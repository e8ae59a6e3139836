// Package wechat adapts the WeChat Official Account webhook: signature
// verification on the query string, XML envelope decoding, and CDATA-wrapped
// XML replies served inline in the HTTP response.
package wechat

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Message types and event names on the Official Account wire.
const (
	MsgTypeText  = "text"
	MsgTypeEvent = "event"

	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

// InboundMessage is the XML body of an Official Account webhook POST.
type InboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	Event        string   `xml:"Event"`
}

type cdata struct {
	Text string `xml:",cdata"`
}

// ReplyMessage is the inline XML response. WeChat requires the CDATA
// wrapping on all string fields.
type ReplyMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

// NewTextReply builds a text reply to in, with sender and recipient swapped.
func NewTextReply(in *InboundMessage, content string, now time.Time) *ReplyMessage {
	return &ReplyMessage{
		ToUserName:   cdata{Text: in.FromUserName},
		FromUserName: cdata{Text: in.ToUserName},
		CreateTime:   now.Unix(),
		MsgType:      cdata{Text: MsgTypeText},
		Content:      cdata{Text: content},
	}
}

// Marshal renders the reply as the XML document WeChat expects.
func (r *ReplyMessage) Marshal() ([]byte, error) {
	out, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal wechat reply: %w", err)
	}
	return out, nil
}
