package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSynthesizeFilePrompt(t *testing.T) {
	p := SynthesizeFilePrompt("rotate each image 90 degrees")
	assert.Contains(t, p, "FILE TO PROCESS: {file_path}")
	assert.Contains(t, p, "rotate each image 90 degrees")
	assert.Contains(t, p, "=== YOUR COMPLETE TASK ===")
	assert.Contains(t, p, "report success or failure")
}

func TestSynthesizeGenericPrompt(t *testing.T) {
	p := SynthesizeGenericPrompt("summarize each page", "url", map[string]string{
		"url":   "page address",
		"title": "page title",
	})
	assert.Contains(t, p, "You are processing a url as part of a batch operation.")
	assert.Contains(t, p, "- title: {title} (page title)")
	assert.Contains(t, p, "- url: {url} (page address)")
	assert.Contains(t, p, "summarize each page")
}

func TestSynthesizeGenericPromptNoType(t *testing.T) {
	p := SynthesizeGenericPrompt("do the thing", "", nil)
	assert.Contains(t, p, "You are processing an item as part of a batch operation.")
	assert.NotContains(t, p, ": {", "no payload field lines without field descriptions")
}
