package degradation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soapscribe/backend/internal/config"
	"github.com/soapscribe/backend/internal/degradation"
	"github.com/soapscribe/backend/internal/domain"
)

func testThresholds() config.DegradationThresholds {
	return config.DegradationThresholds{
		WarnLatency:       2 * time.Second,
		MinorErrorRate:    0.05,
		MajorErrorRate:    0.15,
		CriticalErrorRate: 0.50,
	}
}

func TestController_StartsNormalAndAdmitsEverything(t *testing.T) {
	c := degradation.NewController(testThresholds())
	assert.Equal(t, domain.DegradationNormal, c.Level())
	assert.True(t, c.Admit(domain.JobTypeTextToSOAP))
	assert.True(t, c.Admit(domain.JobTypeAudioToSOAP))
}

// TestController_BothUpstreamsDownStepsToCriticalImmediately covers
// §4.D's critical row ("both upstreams down") and the "one bad window
// steps down immediately" half of the hysteresis rule.
func TestController_BothUpstreamsDownStepsToCriticalImmediately(t *testing.T) {
	c := degradation.NewController(testThresholds())

	c.RecordProbe(degradation.ServiceTranscription, false)
	c.RecordProbe(degradation.ServiceAgent, false)
	level := c.Tick(time.Now())
	assert.Equal(t, domain.DegradationCritical, level)
}

// TestController_StoreDownAloneIsCriticalEvenWithHealthyUpstreams
// covers §4.D/§4.G: "job store down -> critical" regardless of
// upstream health.
func TestController_StoreDownAloneIsCriticalEvenWithHealthyUpstreams(t *testing.T) {
	c := degradation.NewController(testThresholds())

	c.RecordProbe(degradation.ServiceTranscription, true)
	c.RecordProbe(degradation.ServiceAgent, true)
	c.RecordProbe(degradation.ServiceStore, false)
	level := c.Tick(time.Now())
	assert.Equal(t, domain.DegradationCritical, level)
}

// TestController_OneUpstreamDownWithOthersHealthyIsMajor covers §4.D's
// major row: exactly one upstream down, the other and the store
// healthy.
func TestController_OneUpstreamDownWithOthersHealthyIsMajor(t *testing.T) {
	c := degradation.NewController(testThresholds())

	c.RecordProbe(degradation.ServiceTranscription, false)
	c.RecordProbe(degradation.ServiceAgent, true)
	c.RecordProbe(degradation.ServiceStore, true)
	level := c.Tick(time.Now())
	assert.Equal(t, domain.DegradationMajor, level)
}

func TestController_RecoveryRequiresTwoConsecutiveGoodProbeWindows(t *testing.T) {
	c := degradation.NewController(testThresholds())

	c.RecordProbe(degradation.ServiceTranscription, false)
	c.RecordProbe(degradation.ServiceAgent, false)
	require.Equal(t, domain.DegradationCritical, c.Tick(time.Now()))

	// One good window: not yet enough to step down at all.
	c.RecordProbe(degradation.ServiceTranscription, true)
	c.RecordProbe(degradation.ServiceAgent, true)
	require.Equal(t, domain.DegradationCritical, c.Tick(time.Now()), "a single good window must not yet recover a level")

	require.Equal(t, domain.DegradationMajor, c.Tick(time.Now()), "second consecutive good window should step down exactly one level")
}

func TestController_GoodWindowStreakResetsOnBadWindow(t *testing.T) {
	c := degradation.NewController(testThresholds())

	c.RecordProbe(degradation.ServiceTranscription, false)
	c.RecordProbe(degradation.ServiceAgent, false)
	c.Tick(time.Now())

	c.RecordProbe(degradation.ServiceTranscription, true)
	c.RecordProbe(degradation.ServiceAgent, true)
	c.Tick(time.Now())

	// A bad window interrupts the recovery streak.
	c.RecordProbe(degradation.ServiceTranscription, false)
	c.RecordProbe(degradation.ServiceAgent, false)
	level := c.Tick(time.Now())
	assert.Equal(t, domain.DegradationCritical, level)
}

// TestController_MajorLevelShedsOnlyJobsThatNeedTheDownService covers
// P9: admission gating is specific to which service is down, not a
// blanket "shed all audio" rule.
func TestController_MajorLevelShedsOnlyJobsThatNeedTheDownService(t *testing.T) {
	c := degradation.NewController(testThresholds())

	c.RecordProbe(degradation.ServiceTranscription, false)
	c.RecordProbe(degradation.ServiceAgent, true)
	c.Tick(time.Now())

	assert.Equal(t, domain.DegradationMajor, c.Level())
	assert.True(t, c.Admit(domain.JobTypeTextToSOAP), "text jobs never call the transcription service")
	assert.False(t, c.Admit(domain.JobTypeAudioToSOAP))
	assert.False(t, c.Admit(domain.JobTypeTranscriptionOnly))
}

// TestController_AgentDownShedsEverythingExceptTranscriptionOnly
// covers the mirror image: the agent is the one down service, so only
// the job type that never calls it is still admitted.
func TestController_AgentDownShedsEverythingExceptTranscriptionOnly(t *testing.T) {
	c := degradation.NewController(testThresholds())

	c.RecordProbe(degradation.ServiceTranscription, true)
	c.RecordProbe(degradation.ServiceAgent, false)
	c.Tick(time.Now())

	assert.Equal(t, domain.DegradationMajor, c.Level())
	assert.False(t, c.Admit(domain.JobTypeTextToSOAP))
	assert.False(t, c.Admit(domain.JobTypeAudioToSOAP))
	assert.True(t, c.Admit(domain.JobTypeTranscriptionOnly), "transcription_only never reaches the agent service")
}

func TestController_StoreDownRefusesEveryJobType(t *testing.T) {
	c := degradation.NewController(testThresholds())
	c.RecordProbe(degradation.ServiceStore, false)
	c.Tick(time.Now())

	assert.False(t, c.Admit(domain.JobTypeTextToSOAP))
	assert.False(t, c.Admit(domain.JobTypeAudioToSOAP))
	assert.False(t, c.Admit(domain.JobTypeTranscriptionOnly))
}

func TestController_EmptyWindowStaysNormal(t *testing.T) {
	c := degradation.NewController(testThresholds())
	level := c.Tick(time.Now())
	assert.Equal(t, domain.DegradationNormal, level)
}

// TestController_ElevatedErrorRateWithBothUpstreamsReachableIsMinor
// covers §4.D's minor row driven by the blended upstream error rate,
// separate from the reachability latch major/critical use.
func TestController_ElevatedErrorRateWithBothUpstreamsReachableIsMinor(t *testing.T) {
	c := degradation.NewController(testThresholds())

	for i := 0; i < 10; i++ {
		c.RecordOutcome(degradation.ServiceAgent, i >= 2, 10*time.Millisecond) // 20% error rate
	}
	level := c.Tick(time.Now())
	assert.Equal(t, domain.DegradationMinor, level)
}

// TestController_ModelUnavailableClampsToMinor covers §6: a healthy
// agent service reporting model_available=false is minor, not normal,
// even with a perfectly clean error-rate window.
func TestController_ModelUnavailableClampsToMinor(t *testing.T) {
	c := degradation.NewController(testThresholds())
	c.SetModelAvailability(false)

	for i := 0; i < 10; i++ {
		c.RecordOutcome(degradation.ServiceAgent, true, time.Millisecond)
	}
	assert.Equal(t, domain.DegradationMinor, c.Tick(time.Now()))

	c.SetModelAvailability(true)
	for i := 0; i < 10; i++ {
		c.RecordOutcome(degradation.ServiceAgent, true, time.Millisecond)
	}
	c.Tick(time.Now()) // first good window: hysteresis holds at minor
	for i := 0; i < 10; i++ {
		c.RecordOutcome(degradation.ServiceAgent, true, time.Millisecond)
	}
	assert.Equal(t, domain.DegradationNormal, c.Tick(time.Now()), "second consecutive good window should recover to normal once the model is available again")
}

func TestController_SnapshotReportsPerUpstreamStatusAndStoreHealth(t *testing.T) {
	c := degradation.NewController(testThresholds())
	c.RecordProbe(degradation.ServiceTranscription, false)
	c.RecordProbe(degradation.ServiceAgent, true)
	c.RecordProbe(degradation.ServiceStore, true)
	c.Tick(time.Now())

	snap := c.Snapshot()
	assert.Equal(t, domain.DegradationMajor, snap.Level)
	assert.True(t, snap.StoreHealthy)
	require.Contains(t, snap.Upstreams, "transcription")
	require.Contains(t, snap.Upstreams, "agent")
	assert.Equal(t, domain.ProbeDown, snap.Upstreams["transcription"].ProbeStatus)
	assert.Equal(t, domain.ProbeUp, snap.Upstreams["agent"].ProbeStatus)
}
