package parser

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cogrepo/cogrepo/internal/timeutil"
)

// maxMappingDepth bounds the parent walk through a ChatGPT
// mapping so a cyclic export cannot loop forever.
const maxMappingDepth = 100_000

// extractChatGPTMessages reads messages from a ChatGPT export
// "mapping" tree. The active branch is recovered by walking from
// current_node up through parent links; exports without a usable
// current_node fall back to every node ordered by create_time.
func extractChatGPTMessages(r gjson.Result) ([]Message, error) {
	mapping := r.Get("mapping")
	if !mapping.IsObject() {
		return nil, ErrNoMapping
	}

	var nodes []gjson.Result
	if cur := r.Get("current_node").Str; cur != "" {
		nodes = chatGPTBranch(mapping, cur)
	}
	if len(nodes) == 0 {
		nodes = chatGPTAllNodes(mapping)
	}

	msgs := make([]Message, 0, len(nodes))
	for _, node := range nodes {
		msg := node.Get("message")
		if !msg.Exists() || msg.Type == gjson.Null {
			continue
		}
		text := chatGPTContent(msg.Get("content"))
		if strings.TrimSpace(text) == "" {
			continue
		}
		ts, _ := timeutil.FromEpoch(msg.Get("create_time").Float())
		msgs = append(msgs, Message{
			Role:      normalizeRole(msg.Get("author.role").Str),
			Content:   text,
			Timestamp: ts,
		})
	}
	return msgs, nil
}

func chatGPTBranch(mapping gjson.Result, leaf string) []gjson.Result {
	var branch []gjson.Result
	seen := make(map[string]bool)
	for id := leaf; id != "" && len(branch) < maxMappingDepth; {
		if seen[id] {
			break
		}
		seen[id] = true
		node := mapping.Get(gjson.Escape(id))
		if !node.Exists() {
			break
		}
		branch = append(branch, node)
		id = node.Get("parent").Str
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch
}

func chatGPTAllNodes(mapping gjson.Result) []gjson.Result {
	var nodes []gjson.Result
	mapping.ForEach(func(_, node gjson.Result) bool {
		nodes = append(nodes, node)
		return true
	})
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Get("message.create_time").Float() <
			nodes[j].Get("message.create_time").Float()
	})
	return nodes
}

// chatGPTContent joins the text parts of a message content
// object. Non-text parts (images, attachments) are dropped.
func chatGPTContent(content gjson.Result) string {
	if t := content.Get("text"); t.Type == gjson.String {
		return t.Str
	}
	var parts []string
	content.Get("parts").ForEach(func(_, p gjson.Result) bool {
		switch {
		case p.Type == gjson.String:
			if p.Str != "" {
				parts = append(parts, p.Str)
			}
		case p.Get("text").Type == gjson.String:
			parts = append(parts, p.Get("text").Str)
		}
		return true
	})
	return strings.Join(parts, "\n")
}
