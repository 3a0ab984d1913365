package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It avoids any provider SDK dependency and only includes the verbs we emit.
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName    xml.Name         `xml:"Dial"`
	Conference *twimlConference `xml:"Conference,omitempty"`
}

type twimlConference struct {
	StartOnEnter        bool   `xml:"startConferenceOnEnter,attr"`
	EndOnExit           bool   `xml:"endConferenceOnExit,attr"`
	Beep                bool   `xml:"beep,attr"`
	StatusCallback      string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent string `xml:"statusCallbackEvent,attr,omitempty"`
	Record              string `xml:"record,attr,omitempty"`
	RecordingCallback   string `xml:"recordingStatusCallback,attr,omitempty"`
	Name                string `xml:",chardata"`
}

// ConferenceOptions tunes the conference join directive.
type ConferenceOptions struct {
	StatusCallback    string
	RecordingCallback string
	Record            bool
}

// JoinConference directs the carrier to bridge the call into the named conference.
// The caller's leg ends the conference when it leaves.
func JoinConference(name string, opts ConferenceOptions) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("telephony: conference name required")
	}
	conf := &twimlConference{
		StartOnEnter:      true,
		EndOnExit:         true,
		StatusCallback:    opts.StatusCallback,
		RecordingCallback: opts.RecordingCallback,
		Name:              name,
	}
	if opts.StatusCallback != "" {
		conf.StatusCallbackEvent = "start end join leave"
	}
	if opts.Record {
		conf.Record = "record-from-start"
	}
	return render(twimlResponse{Verbs: []any{twimlDial{Conference: conf}}})
}

// DefaultApology is spoken when a call cannot be bridged to an agent.
const DefaultApology = "We're sorry, we are unable to take your call right now. Please try again later."

// Apology says message and hangs up.
func Apology(message string) string {
	if strings.TrimSpace(message) == "" {
		message = DefaultApology
	}
	out, err := render(twimlResponse{Verbs: []any{twimlSay{Text: message}, twimlHangup{}}})
	if err != nil {
		return fallbackTwiML
	}
	return out
}

// Empty is the benign acknowledgement for callbacks that expect TwiML.
func Empty() string {
	return xml.Header + "<Response></Response>"
}

// fallbackTwiML is served when anything upstream of rendering failed.
const fallbackTwiML = xml.Header + `<Response><Say>` + DefaultApology + `</Say><Hangup></Hangup></Response>`

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
