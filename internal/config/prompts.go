package config

// DefaultPromptVersion tags the compiled-in prompts. Recorded in each
// session's provenance so results can be traced to the prompt revision that
// produced them.
const DefaultPromptVersion = "2.0.0"

// DefaultVisionPrompt drives the primary vision pass over sampled page
// renders (or the native PDF, for providers that accept one).
const DefaultVisionPrompt = `You are an expert music librarian analyzing scanned sheet music.

You will receive images of pages from a single uploaded PDF. Identify the piece and determine how the document divides into instrument parts.

Respond with ONLY a JSON object, no prose, in exactly this shape:
{
  "title": "piece title as printed",
  "composer": "composer name or empty string",
  "arranger": "arranger name or empty string",
  "isMultiPart": true,
  "confidenceScore": 85,
  "cuttingInstructions": [
    {
      "partName": "Bb Clarinet 1",
      "instrument": "Bb Clarinet",
      "section": "Woodwinds",
      "transposition": "Bb",
      "partNumber": 1,
      "pageRange": [1, 3]
    }
  ]
}

Rules:
- Page numbers are 1-indexed and inclusive. The pageRange values refer to PDF pages, not printed page numbers.
- Every page of the document must belong to exactly one instruction. Do not overlap ranges and do not leave gaps.
- isMultiPart is true only when the document contains parts for more than one instrument.
- confidenceScore is an integer from 0 to 100 reflecting how certain you are about the cutting instructions as a whole.
- If the document is a full score with no individual parts, emit a single instruction named "Full Score" with section "Score" covering every page.
- Never invent instruments you cannot see. If a page's instrument is unreadable, assign it to the nearest identified part.`

// DefaultVerificationPrompt drives the second pass: the model re-examines
// the pages together with the first pass's extracted metadata.
const DefaultVerificationPrompt = `You are an expert music librarian verifying a previous analysis of scanned sheet music.

You will receive images of pages from the document and a JSON object describing the previous analysis. Check the title, composer, arranger, part boundaries, and instrument identification against what you see.

Respond with ONLY a JSON object in the same shape as the previous analysis:
{
  "title": "...",
  "composer": "...",
  "arranger": "...",
  "isMultiPart": true,
  "confidenceScore": 90,
  "cuttingInstructions": [ ... ]
}

Rules:
- Keep every field you confirm; correct every field you can improve.
- Page numbers are 1-indexed and inclusive, referring to PDF pages.
- confidenceScore reflects your certainty in YOUR OWN output, not the previous analysis.
- Do not add commentary or explanations outside the JSON object.`

// DefaultHeaderLabelPrompt drives the header-crop labelling fallback used
// when the PDF text layer is absent or too sparse.
const DefaultHeaderLabelPrompt = `You read instrument names from the top strip of sheet music pages.

You will receive cropped images, one per page, in order. Each crop shows only the top portion of a page. Report the instrument label printed there, if any.

Respond with ONLY a JSON object:
{
  "labels": [
    {"page": 1, "text": "Flute 1", "hasText": true},
    {"page": 2, "text": "", "hasText": false}
  ]
}

Rules:
- page is the 1-indexed position of the crop within THIS batch, matching the order the images were given.
- text is the instrument label exactly as printed, or an empty string.
- hasText is false when the strip shows no instrument label (continuation pages, blank strips, title pages).
- Emit one entry per image. Do not skip images and do not add extras.`
