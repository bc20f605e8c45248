package itip

import (
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/calserv/scheduling/storage"
)

// Inbox notification kinds.
const (
	NotifyInvite = "invite"
	NotifyUpdate = "update"
	NotifyCancel = "cancel"
	NotifySplit  = "split"
)

// NewInboxNotification renders an XML notification payload for a local
// attendee's inbox.
func NewInboxNotification(homeID, kind, objectUID, changedBy string, when time.Time) (*storage.InboxItem, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("CS:notification")
	root.CreateAttr("xmlns:CS", "http://calendarserver.org/ns/")

	dtstamp := root.CreateElement("CS:dtstamp")
	dtstamp.SetText(when.UTC().Format(time.RFC3339))

	change := root.CreateElement("CS:" + kind + "-notification")
	uidEl := change.CreateElement("CS:uid")
	uidEl.SetText(objectUID)
	if changedBy != "" {
		by := change.CreateElement("CS:changed-by")
		by.SetText(changedBy)
	}

	payload, err := doc.WriteToString()
	if err != nil {
		return nil, err
	}
	return &storage.InboxItem{
		ID:        uuid.New().String(),
		HomeID:    homeID,
		Payload:   payload,
		CreatedAt: when,
	}, nil
}
