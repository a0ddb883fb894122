package operations

import (
	"strings"
	"text/template"

	"podagent/internal/remote"
)

var funcs = template.FuncMap{"q": remote.Quote}

// Every value interpolated into a script goes through q.
var (
	setupScript = template.Must(template.New("setup").Funcs(funcs).Parse(`set -e
if [ ! -d {{q .Dir}}/.git ]; then
  git clone --recursive {{q .RepoURL}} {{q .Dir}}
fi
cd {{q .Dir}}
git fetch --all --tags
git checkout {{q .Ref}}
git submodule update --init --recursive
if command -v conda >/dev/null 2>&1 && [ -f environment.yml ]; then
  conda env update -n instag -f environment.yml
else
  pip install -r requirements.txt
fi
touch .podagent-setup-done
`))

	prepareScript = template.Must(template.New("prepare").Funcs(funcs).Parse(`set -e
cd {{q .Dir}}
[ -f .podagent-setup-done ] || { echo "InsTaG environment is not set up" >&2; exit 3; }
mkdir -p {{q .DataDir}}
{{- if .VideoURL}}
curl -fsSL --retry 3 -o {{q .Video}} {{q .VideoURL}}
{{- end}}
[ -f {{q .Video}} ] || { echo missing input video {{q .Video}} >&2; exit 4; }
python data_utils/process.py {{q .Video}}
touch {{q .DataDir}}/.podagent-prepared
`))

	trainScript = template.Must(template.New("train").Funcs(funcs).Parse(`set -e
cd {{q .Dir}}
[ -f {{q .DataDir}}/.podagent-prepared ] || { echo dataset {{q .Dataset}} is not prepared >&2; exit 4; }
mkdir -p {{q .OutputDir}}
bash scripts/train_xx_few.sh {{q .DataDir}} {{q .OutputDir}} {{q .GPU}}
`))

	inferScript = template.Must(template.New("infer").Funcs(funcs).Parse(`set -e
cd {{q .Dir}}
[ -d {{q .OutputDir}} ] || { echo no trained model for {{q .Dataset}} >&2; exit 4; }
marker=$(mktemp)
python synthesize_fuse.py -S {{q .DataDir}} -M {{q .OutputDir}} --dilate --use_train --audio {{q .Audio}} --audio_extractor {{q .Extractor}}
out=$(find {{q .OutputDir}} -name '*.mp4' -newer "$marker" | head -n 1)
rm -f "$marker"
[ -n "$out" ] || { echo "inference produced no video" >&2; exit 5; }
echo "PODAGENT_OUTPUT=$out"
{{- if .UploadURL}}
curl -fsS --retry 3 -X PUT --upload-file "$out" {{q .UploadURL}}
echo "PODAGENT_UPLOADED=1"
{{- end}}
`))
)

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// outputValue returns the value of the last "KEY=value" line in output.
func outputValue(output, key string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return v
		}
	}
	return ""
}
