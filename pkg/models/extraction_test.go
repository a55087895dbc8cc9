package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExtractionResultDerivesTotals(t *testing.T) {
	drivers := []DriverEarning{
		{Nome: "Ana Souza", RendimentosLiquidos: 123456},
		{Nome: "Bruno Lima", RendimentosLiquidos: 99},
		{Nome: "Carla Dias", RendimentosLiquidos: -1500},
	}
	res := NewExtractionResult("uber", time.Unix(0, 0), drivers)

	assert.Equal(t, 3, res.TotalMotoristas)
	assert.Equal(t, Amount(123456+99-1500), res.TotalRendimentos)
	assert.True(t, res.Consistent())

	// the result owns its rows
	drivers[0].RendimentosLiquidos = 0
	assert.Equal(t, Amount(123456), res.Drivers[0].RendimentosLiquidos)
}

func TestNewExtractionResultEmpty(t *testing.T) {
	res := NewExtractionResult("uber", time.Now(), nil)
	assert.Equal(t, 0, res.TotalMotoristas)
	assert.Equal(t, Amount(0), res.TotalRendimentos)
	assert.NotNil(t, res.Drivers)
	assert.True(t, res.Consistent())
}

func TestConsistentDetectsTampering(t *testing.T) {
	res := NewExtractionResult("uber", time.Now(), []DriverEarning{{Nome: "A", RendimentosLiquidos: 100}})
	res.TotalRendimentos = 200
	assert.False(t, res.Consistent())
}

func TestAmountJSON(t *testing.T) {
	cases := map[Amount]string{
		0:       "0.00",
		5:       "0.05",
		-5:      "-0.05",
		123456:  "1234.56",
		-100000: "-1000.00",
	}
	for amount, want := range cases {
		b, err := json.Marshal(amount)
		require.NoError(t, err)
		assert.Equal(t, want, string(b))

		var back Amount
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, amount, back)
	}

	var a Amount
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &a))
}

func TestSessionLogado(t *testing.T) {
	assert.True(t, Session{State: StateLoggedIn}.Logado())
	assert.True(t, Session{State: StateExtracting}.Logado())
	assert.False(t, Session{State: StateAwaitingLogin}.Logado())
	assert.True(t, StateClosed.Terminal())
	assert.False(t, StateError.Terminal())
	assert.True(t, StateAwaitingLogin.Interactive())
	assert.False(t, StateExtracting.Interactive())
}
