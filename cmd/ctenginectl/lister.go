package main

import (
	"time"

	"github.com/cyphertite/ctengine/internal/resolver"
	"github.com/cyphertite/ctengine/internal/scheduler"
	"github.com/cyphertite/ctengine/internal/wire"
)

// wireLister implements resolver.Lister by driving the ct_md_list
// exchange over the engine's codec, the collaborator resolver.ChainResolver
// and the cull workflow both need for a remote listing.
type wireLister struct {
	e *engine
}

func (l wireLister) List(pattern string, mode scheduler.MatchMode) ([]resolver.ListEntry, error) {
	tag := l.e.codec.NextTag()
	req := wire.MDList{Version: wire.ProtocolVersion, Pattern: pattern, Regex: mode == scheduler.MatchRegex}
	if err := l.e.codec.WriteXML(tag, wire.FlagMetadata, req); err != nil {
		return nil, err
	}
	var reply wire.MDListReply
	if _, err := l.e.codec.ReadXMLReply(&reply); err != nil {
		return nil, err
	}
	if err := wire.ReplyStatusError("ct_md_list_reply", reply.Status); err != nil {
		return nil, err
	}

	entries := make([]resolver.ListEntry, 0, len(reply.Entries))
	for _, en := range reply.Entries {
		name, err := wire.DecodeName(en.Name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, resolver.ListEntry{
			Name:  name,
			Size:  en.Size,
			Mtime: time.Unix(en.Mtime, 0),
		})
	}
	return entries, nil
}
