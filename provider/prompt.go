/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"encoding/xml"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxPromptFileBytes bounds how much file content is inlined into a prompt.
const maxPromptFileBytes = 200_000

// SystemPrompt is shared by every provider.
const SystemPrompt = `You are a software engineer resolving a GitHub issue.
You receive the issue and a snapshot of the repository, and you answer with a
single JSON object matching the provided schema and nothing else.

Propose the smallest change that resolves the issue. Prefer a unified diff
against the base commit in "diff" (paths prefixed with a/ and b/). Use "files"
only for new files or when rewriting a file entirely. Never touch .git.
If you cannot produce a change, return an empty diff and no files.`

type promptFile struct {
	XMLName xml.Name `xml:"file"`
	Path    string   `xml:"path,attr"`
	Content string   `xml:",chardata"`
}

type promptRepo struct {
	XMLName xml.Name     `xml:"repository"`
	Tree    string       `xml:"tree"`
	Files   []promptFile `xml:"file"`
}

// RenderPrompt builds the user prompt for an issue and repository snapshot.
// Issue metadata is rendered as YAML and repository content as XML so
// user-controlled text is escaped.
func RenderPrompt(issue IssueContext, repo RepoContext) (string, error) {
	meta, err := yaml.Marshal(struct {
		IssueContext  `yaml:",inline"`
		DefaultBranch string `yaml:"default_branch"`
		BaseSHA       string `yaml:"base_sha"`
	}{issue, repo.DefaultBranch, repo.BaseSHA})
	if err != nil {
		return "", fmt.Errorf("marshaling issue metadata: %w", err)
	}

	pr := promptRepo{Tree: strings.Join(repo.Tree, "\n")}
	budget := maxPromptFileBytes
	for _, f := range repo.Files {
		if len(f.Content) > budget {
			continue
		}
		budget -= len(f.Content)
		pr.Files = append(pr.Files, promptFile{Path: f.Path, Content: f.Content})
	}
	repoXML, err := xml.MarshalIndent(pr, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling repository context: %w", err)
	}

	var body strings.Builder
	if err := xml.EscapeText(&body, []byte(issue.Body)); err != nil {
		return "", fmt.Errorf("escaping issue body: %w", err)
	}

	var b strings.Builder
	b.WriteString("<issue>\n")
	b.Write(meta)
	b.WriteString("</issue>\n\n<issue_body>\n")
	b.WriteString(body.String())
	b.WriteString("\n</issue_body>\n\n")
	b.Write(repoXML)
	b.WriteString("\n\n<response_schema>\n")
	b.WriteString(ResponseSchemaJSON())
	b.WriteString("\n</response_schema>\n")
	return b.String(), nil
}
