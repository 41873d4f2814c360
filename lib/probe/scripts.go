// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

// Remote command names. Fakes dispatch on these.
const (
	CommandSSH       = "probe.ssh"
	CommandSudo      = "probe.sudo"
	CommandRole      = "probe.role"
	CommandArtifacts = "probe.artifacts"
	CommandState     = "probe.state"
)

// ContentSentinel separates the key=value header of the artifacts
// script from the override file content that follows it.
const ContentSentinel = "__FLEETROLL_OVERRIDE_CONTENT__"

const sshScript = "true"

const sudoScript = "sudo -n true"

// osPaths sets the OS-dependent file locations used by the read
// scripts.
const osPaths = `os_type=$(uname -s)
if [ "$os_type" = "Darwin" ]; then
  op=/opt/puppet_environments/ronin_settings
  vp=/var/root/vault.yaml
else
  op=/etc/puppet/ronin_settings
  vp=/root/vault.yaml
fi
rp=/etc/puppet_role
`

const roleScript = "set -eu\n" + osPaths + `printf 'OS_TYPE=%s\n' "$os_type"
if sudo -n test -e "$rp" 2>/dev/null; then
  role=$(sudo -n cat "$rp")
  printf 'ROLE_PRESENT=1\n'
  printf 'ROLE=%s\n' "$(printf %s "$role" | tr '\n' ' ' | sed 's/[[:space:]][[:space:]]*/ /g')"
else
  printf 'ROLE_PRESENT=0\n'
fi
`

// fileStat prints PREFIX_MODE, _OWNER, _GROUP, _SIZE and _MTIME for
// the file at $1 using GNU or BSD stat.
const fileStat = `file_stat() {
  if [ "$os_type" = "Darwin" ]; then
    stat_out=$(sudo -n stat -f '%p %Su %Sg %z %m' "$1" 2>/dev/null || true)
  else
    stat_out=$(sudo -n stat -c '%a %U %G %s %Y' "$1" 2>/dev/null || true)
  fi
  [ -n "$stat_out" ] || return 0
  prefix=$2
  set -- $stat_out
  mode=$1
  if [ "$os_type" = "Darwin" ]; then
    mode=$(printf '%s' "$mode" | tail -c 4)
  fi
  printf '%s_MODE=%s\n%s_OWNER=%s\n%s_GROUP=%s\n%s_SIZE=%s\n%s_MTIME=%s\n' \
    "$prefix" "$mode" "$prefix" "$2" "$prefix" "$3" "$prefix" "$4" "$prefix" "$5"
}
`

const artifactsScript = "set -eu\n" + osPaths + fileStat + `if sudo -n test -e "$vp" 2>/dev/null; then
  printf 'VLT_PRESENT=1\n'
  file_stat "$vp" VLT
  if command -v sha256sum >/dev/null 2>&1; then
    vsha=$(sudo -n sha256sum "$vp" 2>/dev/null | awk '{print $1}')
  else
    vsha=$(sudo -n shasum -a 256 "$vp" 2>/dev/null | awk '{print $1}')
  fi
  [ -z "$vsha" ] || printf 'VLT_SHA256=%s\n' "$vsha"
else
  printf 'VLT_PRESENT=0\n'
fi
if sudo -n test -e "$op" 2>/dev/null; then
  printf 'OVERRIDE_PRESENT=1\n'
  file_stat "$op" OVERRIDE
  printf '` + ContentSentinel + `\n'
  sudo -n cat "$op"
else
  printf 'OVERRIDE_PRESENT=0\n'
fi
`

// stateScript prints the base64 JSON state file, or the fields the
// legacy config-management reports still provide.
const stateScript = "set -eu\n" + osPaths + `state=/etc/puppet/last_run_metadata.json
if sudo -n test -e "$state" 2>/dev/null; then
  printf 'PP_STATE_JSON=%s\n' "$(sudo -n cat "$state" | base64 | tr -d '\n')"
  exit 0
fi
[ "$os_type" != "Darwin" ] || exit 0
report=/opt/puppetlabs/puppet/cache/state/last_run_report.yaml
if sudo -n test -e "$report" 2>/dev/null; then
  when=$(sudo -n grep '^time:' "$report" 2>/dev/null | head -1 | sed 's/^time: *//' | tr -d "\"'" || true)
  if [ -n "$when" ]; then
    when=$(printf '%s' "$when" | sed 's/\.[0-9]*//; s/+00:00$/Z/')
    epoch=$(date -d "$when" +%s 2>/dev/null || true)
    [ -z "$epoch" ] || printf 'PP_LAST_RUN_EPOCH=%s\n' "$epoch"
  fi
  status=$(sudo -n awk '/^status:/ {print $2; exit}' "$report" 2>/dev/null || true)
  case "$status" in
    "") ;;
    failed) printf 'PP_SUCCESS=0\n' ;;
    *) printf 'PP_SUCCESS=1\n' ;;
  esac
  exit 0
fi
for summary in /opt/puppetlabs/puppet/cache/state/last_run_summary.yaml /var/lib/puppet/state/last_run_summary.yaml; do
  if sudo -n test -e "$summary" 2>/dev/null; then
    body=$(sudo -n cat "$summary" 2>/dev/null || true)
    last_run=$(printf '%s\n' "$body" | awk '/^time:/{found=1} found && /last_run:/{print $2; exit}')
    failure=$(printf '%s\n' "$body" | awk '/^events:/{found=1} found && /failure:/{print $2; exit}')
    [ -z "$last_run" ] || printf 'PP_LAST_RUN_EPOCH=%s\n' "$last_run"
    case "$failure" in
      "") ;;
      0) printf 'PP_SUCCESS=1\n' ;;
      *) printf 'PP_SUCCESS=0\n' ;;
    esac
    exit 0
  fi
done
`
