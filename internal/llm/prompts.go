package llm

import "fmt"

const bulletsPrompt = `Summarize the following web page for a reader who wants to reflect on it.

Write 3 to 6 short bullet points, one per line, each starting with "- ".
Write the summary in %s. Do not add any introduction or closing remark.

Title: %s

Page text:
%s`

const paragraphPrompt = `Summarize the following web page for a reader who wants to reflect on it.

Write one concise paragraph of 3 to 5 sentences in %s. Do not use bullet points
and do not add any introduction or closing remark.

Title: %s

Page text:
%s`

const headlinePrompt = `Summarize the following web page for a reader who wants to reflect on it.

Write the summary in %s and respond with ONLY this JSON:
{
    "headline": "One sentence capturing the main point",
    "bullets": ["3 to 5 short supporting points"]
}

Title: %s

Page text:
%s`

const translatePrompt = `Translate the following text from %s to %s.
Respond with the translation only, keeping any leading bullet marker.

%s`

func summaryPrompt(format, languageName, title, text string) string {
	switch format {
	case "paragraph":
		return fmt.Sprintf(paragraphPrompt, languageName, title, text)
	case "headline-bullets":
		return fmt.Sprintf(headlinePrompt, languageName, title, text)
	default:
		return fmt.Sprintf(bulletsPrompt, languageName, title, text)
	}
}
