package scripts

// Each program reads its parameters from a single JSON document passed as
// sys.argv[1]. User-controlled values never become part of program text.

const transcribeProgram = `
import json
import os
import sys

params = json.loads(sys.argv[1])
files = params["files"]
results = {}

for i, file in enumerate(files, 1):
    try:
        print(f"Processing file: {file}", file=sys.stderr, flush=True)
        transcript_file = os.path.splitext(file)[0] + ".json"
        if not os.path.exists(transcript_file):
            print("Generating new transcript (this may take a while)...", file=sys.stderr, flush=True)
            import videogrep.transcribe as transcribe
            transcribe.transcribe(file)
        else:
            print("Found existing transcript", file=sys.stderr, flush=True)
        with open(transcript_file, "r", encoding="utf-8") as f:
            results[file] = json.load(f)
    except Exception as e:
        print(f"Error processing {file}: {e}", file=sys.stderr, flush=True)
        results[file] = str(e) or type(e).__name__
    print(f"progress: {i}/{len(files)}", file=sys.stderr, flush=True)

print(json.dumps(results))
sys.stdout.flush()
`

const searchProgram = `
import json
import sys

import videogrep

params = json.loads(sys.argv[1])
results = videogrep.search(files=params["files"], query=params["query"], search_type=params["search_type"])
print(json.dumps(list(results)))
sys.stdout.flush()
`

const ngramsProgram = `
import json
import sys

import videogrep

params = json.loads(sys.argv[1])
print(json.dumps([list(g) for g in videogrep.get_ngrams(params["files"], n=params["n"])]))
sys.stdout.flush()
`

const exportPlanProgram = `
import json
import sys

import videogrep
from moviepy.editor import VideoFileClip

params = json.loads(sys.argv[1])
print("Searching for matching segments...", file=sys.stderr, flush=True)
matches = list(videogrep.search(files=params["files"], query=params["query"], search_type=params["search_type"]))
print(f"Found {len(matches)} matching segments", file=sys.stderr, flush=True)

durations = {}
for file in sorted({m["file"] for m in matches}):
    clip = VideoFileClip(file)
    try:
        durations[file] = clip.duration
    finally:
        clip.close()

print(json.dumps({"matches": matches, "durations": durations}))
sys.stdout.flush()
`

const exportRenderProgram = `
import json
import sys

from videogrep.videogrep import create_supercut

params = json.loads(sys.argv[1])
composition = [{"file": c["file"], "start": c["start"], "end": c["end"]} for c in params["clips"]]
print(f"Starting export of {len(composition)} clips...", file=sys.stderr, flush=True)
create_supercut(composition, params["output"])
print("Export process completed successfully!", file=sys.stderr, flush=True)
`
